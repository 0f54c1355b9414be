package domain

import (
	"time"
)

// OmniMessage is the channel-agnostic normalized representation of an
// inbound message, consumed by the router and the admin read model.
type OmniMessage struct {
	ID                string      `json:"id"`
	ChatID            string      `json:"chat_id"`
	SenderID          string      `json:"sender_id"`
	SenderDisplayName string      `json:"sender_display_name,omitempty"`
	MessageType       MessageType `json:"message_type"`

	Text          string `json:"text,omitempty"`
	MediaURL      string `json:"media_url,omitempty"`
	MediaMimeType string `json:"media_mime_type,omitempty"`
	MediaSize     int64  `json:"media_size,omitempty"`
	Caption       string `json:"caption,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`

	IsFromMe         bool   `json:"is_from_me"`
	IsForwarded      bool   `json:"is_forwarded"`
	IsReply          bool   `json:"is_reply"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	// ChannelData carries channel-specific leftovers the router ignores.
	ChannelData JSONB `json:"channel_data,omitempty"`
}

// OutboundMessage is what the router asks an adapter to deliver.
type OutboundMessage struct {
	Text          string      `json:"text,omitempty"`
	MessageType   MessageType `json:"message_type"`
	MediaURL      string      `json:"media_url,omitempty"`
	MediaMimeType string      `json:"media_mime_type,omitempty"`
	Caption       string      `json:"caption,omitempty"`
	// QuotedMessageID replies to a prior message when the channel
	// supports it.
	QuotedMessageID string `json:"quoted_message_id,omitempty"`
	// Reaction fields (MessageTypeReaction only).
	ReactionEmoji     string `json:"reaction_emoji,omitempty"`
	ReactionMessageID string `json:"reaction_message_id,omitempty"`
	// Contact fields (MessageTypeContact only).
	ContactName  string `json:"contact_name,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// SendResult reports the outcome of one outbound dispatch.
type SendResult struct {
	MessageID  string `json:"message_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	// Parts is the number of physical messages sent after splitting.
	Parts int `json:"parts"`
}

// Chat is the unified conversation read model entry.
type Chat struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	IsGroup         bool      `json:"is_group"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	UnreadCount     int       `json:"unread_count,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty"`
}

// Contact is the unified contact read model entry.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// AgentRequest is the payload forwarded to the upstream agent service.
type AgentRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Metadata  JSONB  `json:"metadata,omitempty"`
}

// AgentError is the structured error inside an agent response.
type AgentError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// AgentResponse is the upstream agent's reply envelope.
type AgentResponse struct {
	Message      string      `json:"message"`
	MessageParts []string    `json:"message_parts,omitempty"`
	AgentUserID  string      `json:"agent_user_id,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	Error        *AgentError `json:"error,omitempty"`
	// StatusCode is the HTTP status the agent answered with.
	StatusCode int `json:"-"`
}

// Empty reports whether the agent produced no reply at all.
func (r *AgentResponse) Empty() bool {
	return r.Message == "" && len(r.MessageParts) == 0 && r.Error == nil
}

// Texts returns the reply chunks in send order.
func (r *AgentResponse) Texts() []string {
	if len(r.MessageParts) > 0 {
		return r.MessageParts
	}
	if r.Message != "" {
		return []string{r.Message}
	}
	return nil
}
