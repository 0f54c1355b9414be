// Package instance implements the multi-tenant instance registry:
// CRUD over tenant configs, a snapshot cache for the hot path, broker
// discovery, and health probes.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// ErrValidation marks semantic invariant failures (HTTP 422).
var ErrValidation = errors.New("validation failed")

// BrokerInstance is one instance enumerated from an Evolution broker.
type BrokerInstance struct {
	Name  string
	State string
	Token string
}

// BrokerDiscovery enumerates instances on an Evolution broker.
// Implemented by the evolution channel client.
type BrokerDiscovery interface {
	FetchInstances(ctx context.Context, baseURL, apiKey string) ([]BrokerInstance, error)
}

// HealthProber probes the broker/bot backing one instance.
// Implemented by the channel adapters.
type HealthProber interface {
	Health(ctx context.Context, inst *domain.InstanceConfig) (state string, err error)
}

// Service is the instance registry. Reads on the hot path come from an
// immutable in-memory snapshot republished after every mutation.
type Service struct {
	repos repository.RepositoryManager

	mu       sync.RWMutex
	snapshot map[string]*domain.InstanceConfig

	discovery BrokerDiscovery
	probers   map[domain.ChannelType]HealthProber
}

// NewService creates the registry and loads the initial snapshot.
func NewService(ctx context.Context, repos repository.RepositoryManager) (*Service, error) {
	s := &Service{
		repos:   repos,
		probers: make(map[domain.ChannelType]HealthProber),
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetDiscovery wires the broker discovery client (registered after
// construction to keep the adapter dependency one-way).
func (s *Service) SetDiscovery(d BrokerDiscovery) {
	s.discovery = d
}

// RegisterProber wires a channel's health prober.
func (s *Service) RegisterProber(channel domain.ChannelType, p HealthProber) {
	s.probers[channel] = p
}

// refresh republishes the snapshot from the database.
func (s *Service) refresh(ctx context.Context) error {
	instances, err := s.repos.Instances().List(ctx, repository.InstanceFilter{})
	if err != nil {
		return err
	}

	snapshot := make(map[string]*domain.InstanceConfig, len(instances))
	for _, inst := range instances {
		snapshot[inst.Name] = inst
	}

	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	return nil
}

// Get returns a defensive copy of an instance config from the
// snapshot.
func (s *Service) Get(name string) (*domain.InstanceConfig, error) {
	s.mu.RLock()
	inst, ok := s.snapshot[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", name, repository.ErrNotFound)
	}

	var out domain.InstanceConfig
	if err := copier.Copy(&out, inst); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActive returns an instance only when it exists and is active.
func (s *Service) GetActive(name string) (*domain.InstanceConfig, error) {
	inst, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive {
		return nil, fmt.Errorf("instance %q is inactive: %w", name, repository.ErrNotFound)
	}
	return inst, nil
}

// List returns defensive copies of instances matching the filter.
func (s *Service) List(ctx context.Context, filter repository.InstanceFilter) ([]*domain.InstanceConfig, error) {
	instances, err := s.repos.Instances().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.InstanceConfig, 0, len(instances))
	for _, inst := range instances {
		var cp domain.InstanceConfig
		if err := copier.Copy(&cp, inst); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Create validates and persists a new instance, then republishes the
// snapshot.
func (s *Service) Create(ctx context.Context, req *domain.CreateInstanceRequest) (*domain.InstanceConfig, error) {
	inst := &domain.InstanceConfig{
		Name:             req.Name,
		ChannelType:      req.ChannelType,
		EvolutionURL:     req.EvolutionURL,
		EvolutionKey:     req.EvolutionKey,
		WhatsAppInstance: req.WhatsAppInstance,
		DiscordBotToken:  req.DiscordBotToken,
		DiscordGuildID:   req.DiscordGuildID,
		AgentAPIURL:      req.AgentAPIURL,
		AgentAPIKey:      req.AgentAPIKey,
		DefaultAgent:     req.DefaultAgent,
		AgentTimeoutMS:   req.AgentTimeoutMS,
		IsDefault:        req.IsDefault,
		IsActive:         true,
		EnableAutoSplit:  true,
	}
	if req.AgentTimeoutMS <= 0 {
		inst.AgentTimeoutMS = 60000
	}
	if req.EnableAutoSplit != nil {
		inst.EnableAutoSplit = *req.EnableAutoSplit
	}

	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.repos.Instances().Create(ctx, inst); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	logger.Base().Info("instance created",
		zap.String("name", inst.Name),
		zap.String("channel_type", string(inst.ChannelType)),
	)
	return inst, nil
}

// Update applies a patch to an existing instance. Name and channel
// type are immutable.
func (s *Service) Update(ctx context.Context, name string, patch *domain.UpdateInstanceRequest) (*domain.InstanceConfig, error) {
	inst, err := s.repos.Instances().GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyString(&inst.EvolutionURL, patch.EvolutionURL)
	applyString(&inst.EvolutionKey, patch.EvolutionKey)
	applyString(&inst.WhatsAppInstance, patch.WhatsAppInstance)
	applyString(&inst.DiscordBotToken, patch.DiscordBotToken)
	applyString(&inst.DiscordGuildID, patch.DiscordGuildID)
	applyString(&inst.AgentAPIURL, patch.AgentAPIURL)
	applyString(&inst.AgentAPIKey, patch.AgentAPIKey)
	applyString(&inst.DefaultAgent, patch.DefaultAgent)
	if patch.AgentTimeoutMS != nil {
		inst.AgentTimeoutMS = *patch.AgentTimeoutMS
	}
	if patch.IsActive != nil {
		inst.IsActive = *patch.IsActive
	}
	if patch.EnableAutoSplit != nil {
		inst.EnableAutoSplit = *patch.EnableAutoSplit
	}

	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.repos.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Delete removes an instance; scoped access rules are detached by the
// repository.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.repos.Instances().Delete(ctx, name); err != nil {
		return err
	}
	logger.Base().Info("instance deleted", zap.String("name", name))
	return s.refresh(ctx)
}

// SetDefault marks one instance as the registry default.
func (s *Service) SetDefault(ctx context.Context, name string) error {
	if err := s.repos.Instances().SetDefault(ctx, name); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// Discover reconciles local instances against every configured
// Evolution broker: creates missing rows, adopts drifted broker-owned
// credentials, and deactivates instances the broker no longer knows.
// Best-effort; agent bindings are never touched.
func (s *Service) Discover(ctx context.Context) (created, updated, deactivated int, err error) {
	if s.discovery == nil {
		return 0, 0, 0, errors.New("no broker discovery configured")
	}

	locals, err := s.repos.Instances().List(ctx, repository.InstanceFilter{ChannelType: domain.ChannelWhatsApp})
	if err != nil {
		return 0, 0, 0, err
	}

	// Brokers are the distinct (url, key) pairs of existing whatsapp
	// instances.
	type brokerKey struct{ url, key string }
	brokers := make(map[brokerKey][]*domain.InstanceConfig)
	for _, inst := range locals {
		k := brokerKey{inst.EvolutionURL, inst.EvolutionKey}
		brokers[k] = append(brokers[k], inst)
	}

	for k, members := range brokers {
		remote, ferr := s.discovery.FetchInstances(ctx, k.url, k.key)
		if ferr != nil {
			logger.Base().Warn("broker discovery failed",
				zap.String("broker", k.url),
				zap.Error(ferr),
			)
			continue
		}

		seen := make(map[string]BrokerInstance, len(remote))
		for _, r := range remote {
			seen[r.Name] = r
		}

		byWhatsApp := make(map[string]*domain.InstanceConfig, len(members))
		for _, inst := range members {
			byWhatsApp[inst.WhatsAppInstance] = inst
		}

		for _, r := range remote {
			local, ok := byWhatsApp[r.Name]
			if !ok {
				inst := &domain.InstanceConfig{
					Name:             r.Name,
					ChannelType:      domain.ChannelWhatsApp,
					EvolutionURL:     k.url,
					EvolutionKey:     k.key,
					WhatsAppInstance: r.Name,
					AgentAPIURL:      "pending://discovered",
					AgentTimeoutMS:   60000,
					IsActive:         true,
					EnableAutoSplit:  true,
				}
				if cerr := s.repos.Instances().Create(ctx, inst); cerr != nil {
					logger.Base().Warn("discovery create failed",
						zap.String("instance", r.Name), zap.Error(cerr))
					continue
				}
				created++
				continue
			}

			if r.Token != "" && r.Token != local.EvolutionKey {
				local.EvolutionKey = r.Token
				if uerr := s.repos.Instances().Update(ctx, local); uerr == nil {
					updated++
				}
			}
			if !local.IsActive {
				if aerr := s.repos.Instances().SetActive(ctx, local.Name, true); aerr == nil {
					updated++
				}
			}
		}

		for _, inst := range members {
			if _, ok := seen[inst.WhatsAppInstance]; !ok && inst.IsActive {
				if derr := s.repos.Instances().SetActive(ctx, inst.Name, false); derr == nil {
					deactivated++
				}
			}
		}
	}

	if rerr := s.refresh(ctx); rerr != nil {
		return created, updated, deactivated, rerr
	}

	logger.Base().Info("broker discovery completed",
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("deactivated", deactivated),
	)
	return created, updated, deactivated, nil
}

// HealthCheck probes the broker/bot backing an instance.
func (s *Service) HealthCheck(ctx context.Context, name string) (*domain.InstanceHealth, error) {
	inst, err := s.Get(name)
	if err != nil {
		return nil, err
	}

	health := &domain.InstanceHealth{
		Name:        name,
		LastUpdated: time.Now().UTC(),
	}

	prober, ok := s.probers[inst.ChannelType]
	if !ok {
		health.State = "unknown"
		return health, nil
	}

	state, err := prober.Health(ctx, inst)
	if err != nil {
		health.State = "error"
		health.Error = err.Error()
		return health, nil
	}
	health.State = state
	return health, nil
}
