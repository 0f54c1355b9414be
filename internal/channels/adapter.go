// Package channels defines the contract every messaging channel
// adapter satisfies and the registry the router resolves them from.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// ErrUnsupported is returned for operations a channel cannot perform,
// such as the chat read model on Discord.
var ErrUnsupported = errors.New("operation not supported on this channel")

// Adapter delivers outbound messages and answers read-model queries
// for one channel type. Implementations must be safe for concurrent
// use; the same adapter serves every instance of its channel.
type Adapter interface {
	ChannelType() domain.ChannelType

	// Send delivers one logical outbound message, splitting into
	// multiple physical sends when the channel or instance requires it.
	Send(ctx context.Context, inst *domain.InstanceConfig, recipientID string, msg *domain.OutboundMessage) (*domain.SendResult, error)

	// Health reports the connection state of the broker or bot backing
	// an instance.
	Health(ctx context.Context, inst *domain.InstanceConfig) (string, error)

	FetchChats(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Chat, error)
	FetchContacts(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Contact, error)
	FetchMessages(ctx context.Context, inst *domain.InstanceConfig, chatID string, page, pageSize int) ([]domain.OmniMessage, error)
}

// Registry holds the adapters for the channel types this deployment
// supports. The set is fixed at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.ChannelType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.ChannelType]Adapter)}
}

// Register installs an adapter for its channel type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.ChannelType()] = a
	r.mu.Unlock()
}

// Get resolves the adapter for a channel type.
func (r *Registry) Get(channel domain.ChannelType) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[channel]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q", channel)
	}
	return a, nil
}
