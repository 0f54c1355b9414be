package domain

import (
	"time"
)

// MessageTrace is the persisted record of one inbound or outbound
// message's journey through the pipeline.
type MessageTrace struct {
	TraceID      string      `json:"trace_id" gorm:"type:varchar(64);primaryKey"`
	InstanceName string      `json:"instance_name" gorm:"type:varchar(255);not null;index"`
	ChannelType  ChannelType `json:"channel_type" gorm:"type:varchar(32);not null"`
	Direction    Direction   `json:"direction" gorm:"type:varchar(16);not null"`

	// SenderID is channel-local (phone for whatsapp, user id for discord).
	SenderID    string      `json:"sender_id" gorm:"type:varchar(255);index"`
	SenderPhone string      `json:"sender_phone,omitempty" gorm:"type:varchar(64);index"`
	MessageType MessageType `json:"message_type" gorm:"type:varchar(32)"`

	TraceStatus TraceStatus `json:"trace_status" gorm:"type:varchar(32);not null;index"`
	ErrorKind   string      `json:"error_kind,omitempty" gorm:"type:varchar(64)"`

	AgentSessionID string `json:"agent_session_id,omitempty" gorm:"type:varchar(255)"`
	AgentUserID    string `json:"agent_user_id,omitempty" gorm:"type:varchar(255)"`

	ReceivedAt  time.Time  `json:"received_at" gorm:"autoCreateTime;index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Payloads []TracePayload `json:"payloads,omitempty" gorm:"foreignKey:TraceID;constraint:OnDelete:CASCADE"`
}

// TableName sets the table name for MessageTrace.
func (MessageTrace) TableName() string {
	return "message_traces"
}

// TracePayload is an append-only, time-stamped record of one pipeline
// stage with its serialized payload. Payloads over the compression
// threshold are deflate-compressed.
type TracePayload struct {
	ID      uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	TraceID string       `json:"trace_id" gorm:"type:varchar(64);not null;index"`
	Stage   PayloadStage `json:"stage" gorm:"type:varchar(32);not null"`

	PayloadType  string `json:"payload_type" gorm:"type:varchar(64)"`
	PayloadBytes []byte `json:"-" gorm:"type:bytea"`

	SizeOriginal     int     `json:"size_original"`
	SizeCompressed   int     `json:"size_compressed"`
	CompressionRatio float64 `json:"compression_ratio"`

	ContainsMedia  bool `json:"contains_media"`
	ContainsBase64 bool `json:"contains_base64"`

	StatusCode *int      `json:"status_code,omitempty"`
	Timestamp  time.Time `json:"timestamp" gorm:"autoCreateTime;index"`
}

// TableName sets the table name for TracePayload.
func (TracePayload) TableName() string {
	return "trace_payloads"
}

// Compressed reports whether PayloadBytes holds deflated data.
func (p *TracePayload) Compressed() bool {
	return p.SizeCompressed > 0 && p.SizeCompressed < p.SizeOriginal
}

// TraceFilter narrows trace list queries.
type TraceFilter struct {
	InstanceName string
	Phone        string
	TraceStatus  TraceStatus
	MessageType  MessageType
	StartDate    *time.Time
	EndDate      *time.Time
	Page         int
	PageSize     int
}

// TraceAnalytics summarizes traces for the admin analytics endpoint.
type TraceAnalytics struct {
	Total        int64                 `json:"total"`
	ByStatus     map[TraceStatus]int64 `json:"by_status"`
	ByType       map[MessageType]int64 `json:"by_message_type"`
	AvgLatencyMS float64               `json:"avg_completion_latency_ms"`
}
