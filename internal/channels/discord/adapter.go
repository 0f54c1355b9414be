// Package discord implements the Discord channel through one
// discordgo gateway session per instance. Inbound events go through a
// bounded queue drained by a worker pool so a slow agent cannot block
// the gateway read loop.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// InboundSink consumes normalized inbound messages. Implemented by the
// router.
type InboundSink interface {
	HandleInbound(ctx context.Context, instanceName string, msg *domain.OmniMessage, envelope interface{}) domain.InboundReceipt
}

// Config tunes the inbound queue.
type Config struct {
	QueueSize int
	Workers   int
}

// DefaultConfig returns the stock queue tuning.
func DefaultConfig() Config {
	return Config{QueueSize: 256, Workers: 8}
}

type inboundEvent struct {
	instanceName string
	msg          *domain.OmniMessage
	envelope     *discordgo.MessageCreate
}

// Adapter is the Discord channel adapter.
type Adapter struct {
	cfg  Config
	sink InboundSink

	mu       sync.RWMutex
	sessions map[string]*discordgo.Session

	queue   chan inboundEvent
	dropped atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAdapter creates the Discord adapter and starts its worker pool.
func NewAdapter(cfg Config, sink InboundSink) *Adapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*discordgo.Session),
		queue:    make(chan inboundEvent, cfg.QueueSize),
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
	return a
}

var _ channels.Adapter = (*Adapter)(nil)

// ChannelType implements channels.Adapter.
func (a *Adapter) ChannelType() domain.ChannelType {
	return domain.ChannelDiscord
}

// StartInstance opens a gateway session for one Discord instance.
// Idempotent per instance name.
func (a *Adapter) StartInstance(inst *domain.InstanceConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[inst.Name]; ok {
		return nil
	}

	session, err := discordgo.New("Bot " + inst.DiscordBotToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	instanceName := inst.Name
	guildID := inst.DiscordGuildID
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.onMessageCreate(instanceName, guildID, s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	a.sessions[inst.Name] = session
	logger.Base().Info("discord session started", zap.String("instance", inst.Name))
	return nil
}

// StopInstance closes the gateway session for one instance.
func (a *Adapter) StopInstance(name string) error {
	a.mu.Lock()
	session, ok := a.sessions[name]
	delete(a.sessions, name)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return session.Close()
}

// Close stops the worker pool and every session.
func (a *Adapter) Close() {
	a.cancel()

	a.mu.Lock()
	for name, session := range a.sessions {
		_ = session.Close()
		delete(a.sessions, name)
	}
	a.mu.Unlock()

	a.wg.Wait()
}

// Dropped reports how many inbound events were shed under saturation.
func (a *Adapter) Dropped() int64 {
	return a.dropped.Load()
}

// onMessageCreate filters gateway noise and enqueues the rest. When
// the queue is full the oldest event is shed so fresh traffic keeps
// flowing.
func (a *Adapter) onMessageCreate(instanceName, guildID string, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if guildID != "" && m.GuildID != "" && m.GuildID != guildID {
		return
	}

	msg := normalizeMessage(m)
	ev := inboundEvent{instanceName: instanceName, msg: msg, envelope: m}

	for {
		select {
		case a.queue <- ev:
			return
		default:
		}
		select {
		case <-a.queue:
			a.dropped.Add(1)
			logger.Base().Warn("discord inbound queue saturated, dropped oldest",
				zap.String("instance", instanceName),
				zap.Int64("dropped_total", a.dropped.Load()),
			)
		default:
		}
	}
}

func (a *Adapter) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			a.sink.HandleInbound(ctx, ev.instanceName, ev.msg, ev.envelope)
		}
	}
}

// normalizeMessage maps a gateway message to the channel-agnostic
// model. DMs use the channel id as chat id, same as guild channels.
func normalizeMessage(m *discordgo.MessageCreate) *domain.OmniMessage {
	msg := &domain.OmniMessage{
		ID:          m.ID,
		ChatID:      m.ChannelID,
		SenderID:    m.Author.ID,
		MessageType: domain.MessageTypeText,
		Text:        m.Content,
		Timestamp:   m.Timestamp.UTC(),
	}
	if m.Author.GlobalName != "" {
		msg.SenderDisplayName = m.Author.GlobalName
	} else {
		msg.SenderDisplayName = m.Author.Username
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.IsReply = true
		msg.ReplyToMessageID = m.MessageReference.MessageID
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		msg.MediaURL = att.URL
		msg.MediaMimeType = att.ContentType
		msg.MediaSize = int64(att.Size)
		msg.MessageType = attachmentType(att.ContentType)
		if m.Content != "" {
			msg.Caption = m.Content
		}
	}
	if m.GuildID != "" {
		msg.ChannelData = domain.JSONB{"guild_id": m.GuildID}
	}
	return msg
}

func attachmentType(contentType string) domain.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return domain.MessageTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return domain.MessageTypeAudio
	default:
		return domain.MessageTypeDocument
	}
}

// Send implements channels.Adapter. recipientID is a Discord channel
// id. The router owns splitting; callers must keep text within the
// 2000 character limit.
func (a *Adapter) Send(ctx context.Context, inst *domain.InstanceConfig, recipientID string, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	session, err := a.session(inst.Name)
	if err != nil {
		return nil, err
	}

	switch msg.MessageType {
	case domain.MessageTypeText, "":
		return a.sendText(session, recipientID, msg)
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio,
		domain.MessageTypeDocument, domain.MessageTypeSticker:
		content := msg.Caption
		if content == "" {
			content = msg.MediaURL
		} else {
			content += "\n" + msg.MediaURL
		}
		sent, err := session.ChannelMessageSend(recipientID, content, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord send: %w", err)
		}
		return &domain.SendResult{MessageID: sent.ID, Parts: 1}, nil
	case domain.MessageTypeReaction:
		if msg.ReactionMessageID == "" {
			return nil, errors.New("reaction requires reaction_message_id")
		}
		err := session.MessageReactionAdd(recipientID, msg.ReactionMessageID, msg.ReactionEmoji, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord reaction: %w", err)
		}
		return &domain.SendResult{MessageID: msg.ReactionMessageID, Parts: 1}, nil
	default:
		return nil, fmt.Errorf("%w: message type %q on discord", channels.ErrUnsupported, msg.MessageType)
	}
}

func (a *Adapter) sendText(session *discordgo.Session, channelID string, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	var sent *discordgo.Message
	var err error
	if msg.QuotedMessageID != "" {
		sent, err = session.ChannelMessageSendReply(channelID, msg.Text, &discordgo.MessageReference{
			MessageID: msg.QuotedMessageID,
			ChannelID: channelID,
		})
	} else {
		sent, err = session.ChannelMessageSend(channelID, msg.Text)
	}
	if err != nil {
		return nil, fmt.Errorf("discord send: %w", err)
	}
	return &domain.SendResult{MessageID: sent.ID, Parts: 1}, nil
}

func (a *Adapter) session(instanceName string) (*discordgo.Session, error) {
	a.mu.RLock()
	session, ok := a.sessions[instanceName]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no discord session for instance %q", instanceName)
	}
	return session, nil
}

// Health implements channels.Adapter and the registry's health probe.
func (a *Adapter) Health(ctx context.Context, inst *domain.InstanceConfig) (string, error) {
	session, err := a.session(inst.Name)
	if err != nil {
		return "close", nil
	}
	if session.State != nil && session.State.User != nil {
		return "open", nil
	}
	return "connecting", nil
}

// FetchChats is not available on Discord.
func (a *Adapter) FetchChats(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Chat, error) {
	return nil, channels.ErrUnsupported
}

// FetchContacts is not available on Discord.
func (a *Adapter) FetchContacts(ctx context.Context, inst *domain.InstanceConfig, page, pageSize int) ([]domain.Contact, error) {
	return nil, channels.ErrUnsupported
}

// FetchMessages reads recent channel history through the REST API.
func (a *Adapter) FetchMessages(ctx context.Context, inst *domain.InstanceConfig, chatID string, page, pageSize int) ([]domain.OmniMessage, error) {
	session, err := a.session(inst.Name)
	if err != nil {
		return nil, err
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	msgs, err := session.ChannelMessages(chatID, pageSize, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}

	out := make([]domain.OmniMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *normalizeMessage(&discordgo.MessageCreate{Message: m}))
	}
	return out, nil
}
