package domain

import (
	"fmt"
	"regexp"
	"time"
)

// InstanceConfig binds one tenant's outbound channel credentials to one
// upstream agent. Name is the stable identifier and is immutable after
// creation.
type InstanceConfig struct {
	Name        string      `json:"name" gorm:"type:varchar(255);primaryKey"`
	ChannelType ChannelType `json:"channel_type" gorm:"type:varchar(32);not null;index"`

	// WhatsApp (Evolution broker) credentials.
	EvolutionURL     string `json:"evolution_url,omitempty" gorm:"type:varchar(512)"`
	EvolutionKey     string `json:"evolution_key,omitempty" gorm:"type:varchar(255)"`
	WhatsAppInstance string `json:"whatsapp_instance,omitempty" gorm:"column:whatsapp_instance;type:varchar(255)"`

	// Discord credentials.
	DiscordBotToken string `json:"discord_bot_token,omitempty" gorm:"type:varchar(255)"`
	DiscordGuildID  string `json:"discord_guild_id,omitempty" gorm:"type:varchar(64)"`

	// Agent binding.
	AgentAPIURL    string `json:"agent_api_url" gorm:"type:varchar(512);not null"`
	AgentAPIKey    string `json:"agent_api_key" gorm:"type:varchar(255)"`
	DefaultAgent   string `json:"default_agent" gorm:"type:varchar(255)"`
	AgentTimeoutMS int    `json:"agent_timeout_ms" gorm:"default:60000"`

	IsDefault       bool `json:"is_default" gorm:"default:false"`
	IsActive        bool `json:"is_active" gorm:"default:true"`
	EnableAutoSplit bool `json:"enable_auto_split" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for InstanceConfig.
func (InstanceConfig) TableName() string {
	return "instance_configs"
}

var instanceNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks the name and channel-specific credential invariants.
func (i *InstanceConfig) Validate() error {
	if i.Name == "" || !instanceNameRe.MatchString(i.Name) {
		return fmt.Errorf("instance name must be a non-empty URL-safe identifier")
	}
	if !i.ChannelType.Valid() {
		return fmt.Errorf("unsupported channel_type: %s", i.ChannelType)
	}
	switch i.ChannelType {
	case ChannelWhatsApp:
		if i.EvolutionURL == "" || i.EvolutionKey == "" || i.WhatsAppInstance == "" {
			return fmt.Errorf("whatsapp instance requires evolution_url, evolution_key and whatsapp_instance")
		}
	case ChannelDiscord:
		if i.DiscordBotToken == "" {
			return fmt.Errorf("discord instance requires discord_bot_token")
		}
	}
	if i.AgentAPIURL == "" {
		return fmt.Errorf("agent_api_url is required")
	}
	return nil
}

// Masked returns a copy safe for the admin boundary: secret fields are
// replaced with a fixed placeholder when set.
func (i InstanceConfig) Masked() InstanceConfig {
	out := i
	out.EvolutionKey = maskSecret(i.EvolutionKey)
	out.DiscordBotToken = maskSecret(i.DiscordBotToken)
	out.AgentAPIKey = maskSecret(i.AgentAPIKey)
	return out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// CreateInstanceRequest is the admin API body for instance creation.
type CreateInstanceRequest struct {
	Name        string      `json:"name"`
	ChannelType ChannelType `json:"channel_type"`

	EvolutionURL     string `json:"evolution_url,omitempty"`
	EvolutionKey     string `json:"evolution_key,omitempty"`
	WhatsAppInstance string `json:"whatsapp_instance,omitempty"`

	DiscordBotToken string `json:"discord_bot_token,omitempty"`
	DiscordGuildID  string `json:"discord_guild_id,omitempty"`

	AgentAPIURL    string `json:"agent_api_url"`
	AgentAPIKey    string `json:"agent_api_key,omitempty"`
	DefaultAgent   string `json:"default_agent,omitempty"`
	AgentTimeoutMS int    `json:"agent_timeout_ms,omitempty"`

	IsDefault       bool  `json:"is_default,omitempty"`
	EnableAutoSplit *bool `json:"enable_auto_split,omitempty"`
}

// UpdateInstanceRequest is the admin API patch body. Name and channel
// type are immutable and deliberately absent.
type UpdateInstanceRequest struct {
	EvolutionURL     *string `json:"evolution_url,omitempty"`
	EvolutionKey     *string `json:"evolution_key,omitempty"`
	WhatsAppInstance *string `json:"whatsapp_instance,omitempty"`

	DiscordBotToken *string `json:"discord_bot_token,omitempty"`
	DiscordGuildID  *string `json:"discord_guild_id,omitempty"`

	AgentAPIURL    *string `json:"agent_api_url,omitempty"`
	AgentAPIKey    *string `json:"agent_api_key,omitempty"`
	DefaultAgent   *string `json:"default_agent,omitempty"`
	AgentTimeoutMS *int    `json:"agent_timeout_ms,omitempty"`

	IsActive        *bool `json:"is_active,omitempty"`
	EnableAutoSplit *bool `json:"enable_auto_split,omitempty"`
}

// InstanceHealth is the result of probing an instance's broker or bot.
type InstanceHealth struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
}
