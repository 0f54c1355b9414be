package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB represents a PostgreSQL JSONB field.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// ChannelType identifies a messaging channel. The set is closed and
// compiled in.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelDiscord  ChannelType = "discord"
)

// Valid reports whether the channel type is part of the closed set.
func (c ChannelType) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelDiscord
}

// Direction of a message trace.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType classifies the content of an omni message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeContact  MessageType = "contact"
	MessageTypeLocation MessageType = "location"
	MessageTypeReaction MessageType = "reaction"
	MessageTypeSystem   MessageType = "system"
	MessageTypeUnknown  MessageType = "unknown"
)

// TraceStatus tracks pipeline progress for a message trace.
type TraceStatus string

const (
	TraceStatusReceived   TraceStatus = "received"
	TraceStatusProcessing TraceStatus = "processing"
	TraceStatusCompleted  TraceStatus = "completed"
	TraceStatusFailed     TraceStatus = "failed"
	TraceStatusBlocked    TraceStatus = "blocked"
)

// Terminal reports whether no further stages may be appended.
func (s TraceStatus) Terminal() bool {
	return s == TraceStatusCompleted || s == TraceStatusFailed || s == TraceStatusBlocked
}

// PayloadStage names one pipeline step recorded against a trace.
type PayloadStage string

const (
	StageWebhookReceived PayloadStage = "webhook_received"
	StageAgentRequest    PayloadStage = "agent_request"
	StageAgentResponse   PayloadStage = "agent_response"
	StageEvolutionSend   PayloadStage = "evolution_send"
	StageDiscordSend     PayloadStage = "discord_send"
	StageAccessBlocked   PayloadStage = "access_blocked"
	StageError           PayloadStage = "error"
)

// Error kinds recorded on failed traces and returned in API envelopes.
const (
	ErrKindUnknownInstance  = "unknown_instance"
	ErrKindParseFailed      = "parse_failed"
	ErrKindRateLimited      = "rate_limited"
	ErrKindBlocked          = "blocked"
	ErrKindIdentityLookup   = "identity_lookup_failed"
	ErrKindAgentTimeout     = "agent_timeout"
	ErrKindAgentNetwork     = "agent_network"
	ErrKindSendFailed       = "send_failed"
	ErrKindTraceStoreFailed = "trace_store_failed"
	ErrKindCancelled        = "cancelled"
	ErrKindInternal         = "internal"
)

// AgentHTTPErrorKind builds the error kind for an agent HTTP status,
// e.g. agent_http_502.
func AgentHTTPErrorKind(status int) string {
	return fmt.Sprintf("agent_http_%d", status)
}

// Block reasons reported by the access-control evaluator.
const (
	BlockReasonDenied         = "denied"
	BlockReasonNotInAllowlist = "not_in_allowlist"
)

// InboundStatus is what the ingress reports back for one delivery.
type InboundStatus string

const (
	InboundReceived InboundStatus = "received"
	InboundBlocked  InboundStatus = "blocked"
	InboundDropped  InboundStatus = "dropped"
)

// InboundReceipt is the pipeline's answer to an inbound delivery,
// surfaced in the webhook response body.
type InboundReceipt struct {
	Status InboundStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}
