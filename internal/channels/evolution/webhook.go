package evolution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// ErrIgnoredEvent marks webhook deliveries that carry no routable
// message (status updates, own echoes, unsupported events).
var ErrIgnoredEvent = errors.New("webhook event ignored")

// webhookEnvelope is the outer Evolution webhook body.
type webhookEnvelope struct {
	Event    string         `json:"event"`
	Instance string         `json:"instance"`
	Data     webhookMessage `json:"data"`
}

// webhookMessage is one Evolution message record, shared by the
// webhook path and the findMessages read model.
type webhookMessage struct {
	Key struct {
		RemoteJid   string `json:"remoteJid"`
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
		Participant string `json:"participant"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	Message          *messageContent `json:"message"`
}

type messageContent struct {
	Conversation    string `json:"conversation"`
	ExtendedText    *struct {
		Text        string       `json:"text"`
		ContextInfo *contextInfo `json:"contextInfo"`
	} `json:"extendedTextMessage"`
	Image    *mediaContent `json:"imageMessage"`
	Video    *mediaContent `json:"videoMessage"`
	Audio    *mediaContent `json:"audioMessage"`
	Document *mediaContent `json:"documentMessage"`
	Sticker  *mediaContent `json:"stickerMessage"`
	Location *struct {
		Latitude  float64 `json:"degreesLatitude"`
		Longitude float64 `json:"degreesLongitude"`
		Name      string  `json:"name"`
	} `json:"locationMessage"`
	Contact *struct {
		DisplayName string `json:"displayName"`
		Vcard       string `json:"vcard"`
	} `json:"contactMessage"`
	Reaction *struct {
		Key  sendKey `json:"key"`
		Text string  `json:"text"`
	} `json:"reactionMessage"`
}

type mediaContent struct {
	URL         string       `json:"url"`
	MimeType    string       `json:"mimetype"`
	Caption     string       `json:"caption"`
	FileName    string       `json:"fileName"`
	FileLength  json.Number  `json:"fileLength"`
	ContextInfo *contextInfo `json:"contextInfo"`
}

type contextInfo struct {
	StanzaID    string `json:"stanzaId"`
	IsForwarded bool   `json:"isForwarded"`
}

// ParseWebhook normalizes an Evolution messages.upsert delivery into
// the channel-agnostic message model. Own echoes and non-message
// events return ErrIgnoredEvent.
func ParseWebhook(raw []byte) (*domain.OmniMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	if env.Event != "messages.upsert" {
		return nil, fmt.Errorf("%w: event %q", ErrIgnoredEvent, env.Event)
	}
	if env.Data.Key.FromMe {
		return nil, fmt.Errorf("%w: own echo", ErrIgnoredEvent)
	}
	if env.Data.Key.RemoteJid == "" {
		return nil, errors.New("webhook missing remoteJid")
	}

	return normalizeMessage(&env.Data)
}

// normalizeMessage maps one broker message record to an OmniMessage.
func normalizeMessage(rec *webhookMessage) (*domain.OmniMessage, error) {
	chatID := rec.Key.RemoteJid
	senderJid := rec.Key.RemoteJid
	if isGroupJid(chatID) && rec.Key.Participant != "" {
		senderJid = rec.Key.Participant
	}

	msg := &domain.OmniMessage{
		ID:                rec.Key.ID,
		ChatID:            chatID,
		SenderID:          jidUser(senderJid),
		SenderDisplayName: rec.PushName,
		IsFromMe:          rec.Key.FromMe,
		Timestamp:         time.Unix(rec.MessageTimestamp, 0).UTC(),
		MessageType:       domain.MessageTypeUnknown,
	}

	content := rec.Message
	if content == nil {
		return nil, fmt.Errorf("%w: empty message content", ErrIgnoredEvent)
	}

	switch {
	case content.Conversation != "":
		msg.MessageType = domain.MessageTypeText
		msg.Text = content.Conversation
	case content.ExtendedText != nil:
		msg.MessageType = domain.MessageTypeText
		msg.Text = content.ExtendedText.Text
		applyContext(msg, content.ExtendedText.ContextInfo)
	case content.Image != nil:
		msg.MessageType = domain.MessageTypeImage
		applyMedia(msg, content.Image)
	case content.Video != nil:
		msg.MessageType = domain.MessageTypeVideo
		applyMedia(msg, content.Video)
	case content.Audio != nil:
		msg.MessageType = domain.MessageTypeAudio
		applyMedia(msg, content.Audio)
	case content.Document != nil:
		msg.MessageType = domain.MessageTypeDocument
		applyMedia(msg, content.Document)
	case content.Sticker != nil:
		msg.MessageType = domain.MessageTypeSticker
		applyMedia(msg, content.Sticker)
	case content.Location != nil:
		msg.MessageType = domain.MessageTypeLocation
		msg.Text = content.Location.Name
		msg.ChannelData = domain.JSONB{
			"latitude":  content.Location.Latitude,
			"longitude": content.Location.Longitude,
		}
	case content.Contact != nil:
		msg.MessageType = domain.MessageTypeContact
		msg.Text = content.Contact.DisplayName
		msg.ChannelData = domain.JSONB{"vcard": content.Contact.Vcard}
	case content.Reaction != nil:
		msg.MessageType = domain.MessageTypeReaction
		msg.Text = content.Reaction.Text
		msg.ReplyToMessageID = content.Reaction.Key.ID
	}

	return msg, nil
}

func applyMedia(msg *domain.OmniMessage, m *mediaContent) {
	msg.MediaURL = m.URL
	msg.MediaMimeType = m.MimeType
	msg.Caption = m.Caption
	if size, err := m.FileLength.Int64(); err == nil {
		msg.MediaSize = size
	}
	if m.FileName != "" {
		if msg.ChannelData == nil {
			msg.ChannelData = domain.JSONB{}
		}
		msg.ChannelData["file_name"] = m.FileName
	}
	applyContext(msg, m.ContextInfo)
}

func applyContext(msg *domain.OmniMessage, ctx *contextInfo) {
	if ctx == nil {
		return
	}
	msg.IsForwarded = ctx.IsForwarded
	if ctx.StanzaID != "" {
		msg.IsReply = true
		msg.ReplyToMessageID = ctx.StanzaID
	}
}

func isGroupJid(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// jidUser strips the server part of a WhatsApp jid, leaving the phone
// number or group id.
func jidUser(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		return jid[:at]
	}
	return jid
}
