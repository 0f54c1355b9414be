// Package router drives inbound messages through the processing
// pipeline and proactive sends out through the channel adapters.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/channels/discord"
	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/ratelimit"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/services/access"
	"github.com/namastexlabs/omni-gateway/internal/services/agent"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
	"github.com/namastexlabs/omni-gateway/internal/services/tracing"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// agentDeadlineSlack pads the per-instance agent timeout so the
// downstream send still has headroom inside the same context.
const agentDeadlineSlack = 5 * time.Second

// Proactive sends run the same admission checks as inbound traffic.
var (
	ErrRecipientRateLimited = errors.New("recipient is rate limited")
	ErrRecipientBlocked     = errors.New("recipient is blocked")
)

// AgentInvoker abstracts the upstream agent client for testing.
type AgentInvoker interface {
	Invoke(ctx context.Context, inst *domain.InstanceConfig, req *domain.AgentRequest) (*domain.AgentResponse, error)
}

var _ AgentInvoker = (*agent.Client)(nil)

// Router wires every service into the message pipeline.
type Router struct {
	repos     repository.RepositoryManager
	instances *instance.Service
	access    *access.Service
	identity  *identity.Service
	limiter   *ratelimit.Limiter
	traces    *tracing.Store
	agent     AgentInvoker
	adapters  *channels.Registry

	mu    sync.Mutex
	chats map[string]*chatLock
}

// chatLock serializes processing per (instance, chat) so replies keep
// conversation order.
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// New creates the router.
func New(
	repos repository.RepositoryManager,
	instances *instance.Service,
	accessSvc *access.Service,
	identitySvc *identity.Service,
	limiter *ratelimit.Limiter,
	traces *tracing.Store,
	agentClient AgentInvoker,
	adapters *channels.Registry,
) *Router {
	return &Router{
		repos:     repos,
		instances: instances,
		access:    accessSvc,
		identity:  identitySvc,
		limiter:   limiter,
		traces:    traces,
		agent:     agentClient,
		adapters:  adapters,
		chats:     make(map[string]*chatLock),
	}
}

func (r *Router) lockChat(key string) func() {
	r.mu.Lock()
	l, ok := r.chats[key]
	if !ok {
		l = &chatLock{}
		r.chats[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.chats, key)
		}
		r.mu.Unlock()
	}
}

// HandleInbound implements the inbound pipeline and reports the
// delivery outcome. Processing errors are absorbed into the trace.
func (r *Router) HandleInbound(ctx context.Context, instanceName string, msg *domain.OmniMessage, envelope interface{}) domain.InboundReceipt {
	inst, err := r.instances.GetActive(instanceName)
	if err != nil {
		logger.Base().Warn("inbound for unknown or inactive instance",
			zap.String("instance", instanceName),
			zap.Error(err),
		)
		return domain.InboundReceipt{Status: domain.InboundDropped, Reason: "unknown_instance"}
	}
	if msg.IsFromMe {
		return domain.InboundReceipt{Status: domain.InboundDropped, Reason: "own_message"}
	}

	// The chat lock covers trace creation so trace order matches
	// delivery order within a conversation.
	unlock := r.lockChat(inst.Name + "|" + msg.ChatID)
	defer unlock()

	traceID, terr := r.traces.CreateInbound(ctx, r.repos, inst, msg, envelope)
	if terr != nil {
		// A broken trace store must not drop the message.
		logger.Base().Error("failed to open trace", zap.Error(terr))
	}

	deadline := time.Duration(inst.AgentTimeoutMS)*time.Millisecond + agentDeadlineSlack
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return r.process(ctx, inst, msg, traceID)
}

// process runs the post-trace pipeline stages and records the
// terminal trace status.
func (r *Router) process(ctx context.Context, inst *domain.InstanceConfig, msg *domain.OmniMessage, traceID string) domain.InboundReceipt {
	fail := func(kind string) {
		r.finish(ctx, traceID, domain.TraceStatusFailed, kind)
	}

	senderID := access.NormalizeIdentifier(msg.SenderID)

	if ok, retryAfter := r.limiter.Allowed(inst.Name + "|" + senderID); !ok {
		logger.Base().Warn("sender rate limited",
			zap.String("instance", inst.Name),
			zap.String("sender", senderID),
			zap.Duration("retry_after", retryAfter),
		)
		fail(domain.ErrKindRateLimited)
		return domain.InboundReceipt{Status: domain.InboundBlocked, Reason: domain.ErrKindRateLimited}
	}

	decision := r.access.CheckAccess(inst.Name, msg.SenderID)
	if !decision.Allowed {
		r.logStage(ctx, traceID, domain.StageAccessBlocked, map[string]interface{}{
			"sender": senderID,
			"reason": decision.Reason,
		}, nil)
		r.finish(ctx, traceID, domain.TraceStatusBlocked, decision.Reason)
		return domain.InboundReceipt{Status: domain.InboundBlocked, Reason: decision.Reason}
	}

	if terr := r.traces.UpdateStatus(ctx, r.repos, traceID, domain.TraceStatusProcessing, ""); terr != nil {
		logger.Base().Warn("trace status update failed", zap.Error(terr))
	}

	userID, err := r.resolveUser(ctx, inst, msg)
	if err != nil {
		logger.Base().Error("identity resolution failed",
			zap.String("instance", inst.Name),
			zap.Error(err),
		)
		fail(domain.ErrKindIdentityLookup)
		return domain.InboundReceipt{Status: domain.InboundReceived}
	}

	sessionKey := sessionName(inst.Name, msg.ChatID)
	req := &domain.AgentRequest{
		Message:   agentText(msg),
		UserID:    userID,
		SessionID: sessionKey,
		Agent:     inst.DefaultAgent,
		Metadata: domain.JSONB{
			"channel":      string(inst.ChannelType),
			"chat_id":      msg.ChatID,
			"sender_id":    msg.SenderID,
			"message_id":   msg.ID,
			"message_type": string(msg.MessageType),
		},
	}
	if memo := r.identity.Memo().Recall(ctx, sessionKey); memo != "" && req.UserID == "" {
		req.UserID = memo
	}

	r.logStage(ctx, traceID, domain.StageAgentRequest, req, nil)

	resp, err := r.agent.Invoke(ctx, inst, req)
	if err != nil {
		fail(agentErrorKind(err))
		return domain.InboundReceipt{Status: domain.InboundReceived}
	}

	r.logStage(ctx, traceID, domain.StageAgentResponse, resp, &resp.StatusCode)

	if resp.Error != nil {
		r.finish(ctx, traceID, domain.TraceStatusFailed, resp.Error.Kind)
		return domain.InboundReceipt{Status: domain.InboundReceived}
	}

	if terr := r.traces.UpdateAgentInfo(ctx, r.repos, traceID, resp.SessionID, resp.AgentUserID); terr != nil {
		logger.Base().Warn("trace agent info update failed", zap.Error(terr))
	}
	if resp.AgentUserID != "" {
		r.identity.Memo().Remember(ctx, sessionKey, resp.AgentUserID)
	}

	if resp.Empty() {
		r.finish(ctx, traceID, domain.TraceStatusCompleted, "")
		return domain.InboundReceipt{Status: domain.InboundReceived}
	}

	if err := r.respond(ctx, inst, msg.ChatID, traceID, resp); err != nil {
		fail(domain.ErrKindSendFailed)
		return domain.InboundReceipt{Status: domain.InboundReceived}
	}

	r.finish(ctx, traceID, domain.TraceStatusCompleted, "")
	return domain.InboundReceipt{Status: domain.InboundReceived}
}

// agentErrorKind classifies an agent invocation error.
func agentErrorKind(err error) string {
	if errors.Is(err, context.Canceled) {
		return domain.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindAgentTimeout
	}
	var httpErr *agent.HTTPError
	if errors.As(err, &httpErr) {
		return domain.AgentHTTPErrorKind(httpErr.StatusCode)
	}
	return domain.ErrKindAgentNetwork
}

// resolveUser maps the channel sender to a stable user id. WhatsApp
// senders are upserted by phone; Discord senders resolve through
// external-id links and stay anonymous when unlinked.
func (r *Router) resolveUser(ctx context.Context, inst *domain.InstanceConfig, msg *domain.OmniMessage) (string, error) {
	switch inst.ChannelType {
	case domain.ChannelWhatsApp:
		phone := access.NormalizeIdentifier(msg.SenderID)
		user, err := r.identity.GetOrCreateByPhone(ctx, phone, msg.SenderDisplayName, &inst.Name)
		if err != nil {
			return "", err
		}
		return user.ID, nil
	case domain.ChannelDiscord:
		user, err := r.identity.ResolveExternal(ctx, domain.ChannelDiscord, msg.SenderID, &inst.Name)
		if err != nil {
			return "", err
		}
		if user == nil {
			return "", nil
		}
		return user.ID, nil
	default:
		return "", fmt.Errorf("unsupported channel %q", inst.ChannelType)
	}
}

// respond delivers the agent reply. Splitting happens here so every
// delivered chunk is a distinct send-stage trace payload.
func (r *Router) respond(ctx context.Context, inst *domain.InstanceConfig, chatID, traceID string, resp *domain.AgentResponse) error {
	adapter, err := r.adapters.Get(inst.ChannelType)
	if err != nil {
		return err
	}

	stage := sendStage(inst)
	for _, text := range resp.Texts() {
		for _, chunk := range splitChunks(inst, text) {
			res, err := adapter.Send(ctx, inst, chatID, &domain.OutboundMessage{
				MessageType: domain.MessageTypeText,
				Text:        chunk,
			})
			if err != nil {
				r.logStage(ctx, traceID, stage, map[string]interface{}{
					"error": err.Error(),
				}, nil)
				return err
			}
			r.logStage(ctx, traceID, stage, res, &res.StatusCode)
		}
	}
	return nil
}

func sendStage(inst *domain.InstanceConfig) domain.PayloadStage {
	if inst.ChannelType == domain.ChannelDiscord {
		return domain.StageDiscordSend
	}
	return domain.StageEvolutionSend
}

// splitChunks applies the reply split rules: blank-line auto-split when
// the instance enables it, then Discord's hard message length limit.
func splitChunks(inst *domain.InstanceConfig, text string) []string {
	parts := []string{text}
	if inst.EnableAutoSplit {
		parts = evolution.SplitParagraphs(text)
	}
	if inst.ChannelType != domain.ChannelDiscord {
		return parts
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, discord.SplitMessage(part)...)
	}
	return out
}

// SendProactive delivers an API-initiated outbound message through the
// same rate-limit and access checks as inbound traffic, recording an
// outbound trace either way.
func (r *Router) SendProactive(ctx context.Context, instanceName, recipientID string, msg *domain.OutboundMessage) (*domain.SendResult, string, error) {
	inst, err := r.instances.GetActive(instanceName)
	if err != nil {
		return nil, "", err
	}
	adapter, err := r.adapters.Get(inst.ChannelType)
	if err != nil {
		return nil, "", err
	}

	msgType := msg.MessageType
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	envelope := map[string]interface{}{
		"recipient": recipientID,
		"message":   msg,
	}

	recipient := access.NormalizeIdentifier(recipientID)
	if ok, retryAfter := r.limiter.Allowed(inst.Name + "|" + recipient); !ok {
		logger.Base().Warn("proactive recipient rate limited",
			zap.String("instance", inst.Name),
			zap.String("recipient", recipient),
			zap.Duration("retry_after", retryAfter),
		)
		envelope["error"] = ErrRecipientRateLimited.Error()
		traceID := r.recordOutbound(ctx, inst, recipientID, msgType, envelope)
		r.finish(ctx, traceID, domain.TraceStatusFailed, domain.ErrKindRateLimited)
		return nil, traceID, ErrRecipientRateLimited
	}

	decision := r.access.CheckAccess(inst.Name, recipientID)
	if !decision.Allowed {
		envelope["reason"] = decision.Reason
		traceID := r.recordOutbound(ctx, inst, recipientID, msgType, envelope)
		r.finish(ctx, traceID, domain.TraceStatusBlocked, decision.Reason)
		return nil, traceID, fmt.Errorf("%w: %s", ErrRecipientBlocked, decision.Reason)
	}

	traceID := r.recordOutbound(ctx, inst, recipientID, msgType, envelope)

	var res *domain.SendResult
	var sendErr error
	if msgType == domain.MessageTypeText {
		res, sendErr = r.sendTextChunks(ctx, inst, adapter, recipientID, traceID, msg)
	} else {
		res, sendErr = adapter.Send(ctx, inst, recipientID, msg)
		if sendErr != nil {
			r.logStage(ctx, traceID, sendStage(inst), map[string]interface{}{
				"error": sendErr.Error(),
			}, nil)
		} else {
			r.logStage(ctx, traceID, sendStage(inst), res, &res.StatusCode)
		}
	}

	if sendErr != nil {
		r.finish(ctx, traceID, domain.TraceStatusFailed, domain.ErrKindSendFailed)
		return res, traceID, sendErr
	}
	r.finish(ctx, traceID, domain.TraceStatusCompleted, "")
	return res, traceID, nil
}

func (r *Router) recordOutbound(ctx context.Context, inst *domain.InstanceConfig, recipientID string, msgType domain.MessageType, envelope map[string]interface{}) string {
	traceID, err := r.traces.RecordOutbound(ctx, r.repos, inst, recipientID, msgType, envelope, nil)
	if err != nil {
		logger.Base().Warn("outbound trace failed", zap.Error(err))
	}
	return traceID
}

// sendTextChunks delivers a proactive text with the instance's split
// rules, logging one send-stage payload per chunk. Only the first
// chunk carries the quoted reply reference.
func (r *Router) sendTextChunks(ctx context.Context, inst *domain.InstanceConfig, adapter channels.Adapter, recipientID, traceID string, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	stage := sendStage(inst)
	total := &domain.SendResult{}
	for i, chunk := range splitChunks(inst, msg.Text) {
		out := &domain.OutboundMessage{
			MessageType: domain.MessageTypeText,
			Text:        chunk,
		}
		if i == 0 {
			out.QuotedMessageID = msg.QuotedMessageID
		}
		res, err := adapter.Send(ctx, inst, recipientID, out)
		if err != nil {
			r.logStage(ctx, traceID, stage, map[string]interface{}{
				"error": err.Error(),
			}, nil)
			return total, err
		}
		total.MessageID = res.MessageID
		total.StatusCode = res.StatusCode
		total.Parts += res.Parts
		r.logStage(ctx, traceID, stage, res, &res.StatusCode)
	}
	return total, nil
}

func (r *Router) finish(ctx context.Context, traceID string, status domain.TraceStatus, kind string) {
	if traceID == "" {
		return
	}
	// Terminal updates survive pipeline deadline expiry.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := r.traces.UpdateStatus(ctx, r.repos, traceID, status, kind); err != nil {
		logger.Base().Error("failed to finish trace",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
	}
}

func (r *Router) logStage(ctx context.Context, traceID string, stage domain.PayloadStage, payload interface{}, statusCode *int) {
	if traceID == "" {
		return
	}
	if err := r.traces.LogStage(ctx, r.repos, traceID, stage, payload, statusCode); err != nil && !errors.Is(err, tracing.ErrTraceClosed) {
		logger.Base().Warn("failed to log trace stage",
			zap.String("trace_id", traceID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
}

// sessionName derives the stable agent session id for one chat.
func sessionName(instanceName, chatID string) string {
	return instanceName + "_" + chatID
}

// agentText is the message text handed to the agent. Non-text
// messages degrade to their caption or a type marker.
func agentText(msg *domain.OmniMessage) string {
	if msg.Text != "" {
		return msg.Text
	}
	if msg.Caption != "" {
		return msg.Caption
	}
	return "[" + string(msg.MessageType) + "]"
}
