package evolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
)

// Adapter is the WhatsApp channel adapter backed by Evolution brokers.
type Adapter struct {
	client *Client
}

// NewAdapter creates the WhatsApp adapter.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

var _ channels.Adapter = (*Adapter)(nil)

// ChannelType implements channels.Adapter.
func (a *Adapter) ChannelType() domain.ChannelType {
	return domain.ChannelWhatsApp
}

// Send dispatches one outbound message by type. Splitting is the
// router's concern; each call maps to exactly one broker request.
func (a *Adapter) Send(ctx context.Context, inst *domain.InstanceConfig, recipientID string, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	switch msg.MessageType {
	case domain.MessageTypeText, "":
		id, status, err := a.client.SendText(ctx, inst, recipientID, msg.Text, msg.QuotedMessageID)
		return result(id, status, err)
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeDocument:
		id, status, err := a.client.SendMedia(ctx, inst, recipientID, msg)
		return result(id, status, err)
	case domain.MessageTypeAudio:
		id, status, err := a.client.SendAudio(ctx, inst, recipientID, msg.MediaURL)
		return result(id, status, err)
	case domain.MessageTypeSticker:
		id, status, err := a.client.SendSticker(ctx, inst, recipientID, msg.MediaURL)
		return result(id, status, err)
	case domain.MessageTypeContact:
		id, status, err := a.client.SendContact(ctx, inst, recipientID, msg.ContactName, msg.ContactPhone)
		return result(id, status, err)
	case domain.MessageTypeReaction:
		if msg.ReactionMessageID == "" {
			return nil, errors.New("reaction requires reaction_message_id")
		}
		id, status, err := a.client.SendReaction(ctx, inst, recipientID, msg.ReactionMessageID, msg.ReactionEmoji)
		return result(id, status, err)
	default:
		return nil, fmt.Errorf("%w: message type %q", channels.ErrUnsupported, msg.MessageType)
	}
}

// SplitParagraphs splits a reply on blank lines. Whitespace-only
// chunks are dropped; a text with no blank lines passes through as a
// single part.
func SplitParagraphs(text string) []string {
	chunks := strings.Split(text, "\n\n")
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			parts = append(parts, chunk)
		}
	}
	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

func result(id string, status int, err error) (*domain.SendResult, error) {
	if err != nil {
		return nil, err
	}
	return &domain.SendResult{MessageID: id, StatusCode: status, Parts: 1}, nil
}

// Health implements channels.Adapter and instance.HealthProber by
// asking the broker for the instance connection state.
func (a *Adapter) Health(ctx context.Context, inst *domain.InstanceConfig) (string, error) {
	return a.client.ConnectionState(ctx, inst)
}

// FetchInstances implements instance.BrokerDiscovery.
func (a *Adapter) FetchInstances(ctx context.Context, baseURL, apiKey string) ([]instance.BrokerInstance, error) {
	fetched, err := a.client.FetchInstances(ctx, baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	out := make([]instance.BrokerInstance, 0, len(fetched))
	for _, f := range fetched {
		out = append(out, instance.BrokerInstance{
			Name:  f.Name,
			State: f.ConnectionState,
			Token: f.Token,
		})
	}
	return out, nil
}

// Connect starts a broker session and returns the pairing QR code.
func (a *Adapter) Connect(ctx context.Context, inst *domain.InstanceConfig) (string, error) {
	return a.client.Connect(ctx, inst)
}

// Restart bounces the broker session.
func (a *Adapter) Restart(ctx context.Context, inst *domain.InstanceConfig) error {
	return a.client.Restart(ctx, inst)
}

// Logout disconnects the WhatsApp session.
func (a *Adapter) Logout(ctx context.Context, inst *domain.InstanceConfig) error {
	return a.client.Logout(ctx, inst)
}

// FetchChats implements the unified chat read model.
func (a *Adapter) FetchChats(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Chat, error) {
	chats, err := a.client.FindChats(ctx, inst)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chat, 0, len(chats))
	for _, c := range chats {
		chat := domain.Chat{
			ID:          c.RemoteJid,
			Name:        c.PushName,
			IsGroup:     isGroupJid(c.RemoteJid),
			UnreadCount: c.UnreadCount,
		}
		if c.LastMessageTS > 0 {
			chat.LastMessageAt = time.Unix(c.LastMessageTS, 0).UTC()
		}
		out = append(out, chat)
	}
	return paginate(out, page, pageSize), nil
}

// FetchContacts implements the unified contact read model.
func (a *Adapter) FetchContacts(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Contact, error) {
	contacts, err := a.client.FindContacts(ctx, inst)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, domain.Contact{
			ID:          c.RemoteJid,
			DisplayName: c.PushName,
			PhoneNumber: jidUser(c.RemoteJid),
			AvatarURL:   c.ProfilePic,
		})
	}
	return paginate(out, page, pageSize), nil
}

// FetchMessages implements the unified message history read model.
func (a *Adapter) FetchMessages(ctx context.Context, inst *domain.InstanceConfig, chatID string, page, pageSize int) ([]domain.OmniMessage, error) {
	records, err := a.client.FindMessages(ctx, inst, chatID, page, pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OmniMessage, 0, len(records))
	for i := range records {
		msg, err := normalizeMessage(&records[i])
		if err != nil {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// The broker returns full collections; page locally.
func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
