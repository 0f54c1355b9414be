// Package evolution implements the WhatsApp channel through an
// Evolution API broker: outbound sends, webhook normalization, broker
// discovery and the chat read model.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

const requestTimeout = 15 * time.Second

// Client is a thin HTTP client for an Evolution API broker. A single
// client serves every broker; credentials travel per call. Outbound
// requests share one rate limiter so a burst of splits cannot flood
// the broker.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a broker client. rps bounds outbound requests per
// second across all instances; zero uses a sane default.
func NewClient(rps float64) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// APIError is a non-2xx broker reply.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("evolution api returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, baseURL, apiKey, path string, body interface{}, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal broker request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("apikey", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read broker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Base().Warn("evolution request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: truncate(raw, 300)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode broker response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// sendKey identifies a prior message for quoting and reactions.
type sendKey struct {
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type sendReply struct {
	Key    sendKey `json:"key"`
	Status string  `json:"status,omitempty"`
}

// SendText posts one text message.
func (c *Client) SendText(ctx context.Context, inst *domain.InstanceConfig, number, text, quotedID string) (string, int, error) {
	body := map[string]interface{}{
		"number": number,
		"text":   text,
	}
	if quotedID != "" {
		body["quoted"] = map[string]interface{}{
			"key": sendKey{RemoteJid: number, ID: quotedID},
		}
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendText/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

// SendMedia posts an image, video or document by URL.
func (c *Client) SendMedia(ctx context.Context, inst *domain.InstanceConfig, number string, msg *domain.OutboundMessage) (string, int, error) {
	mediatype := "document"
	switch msg.MessageType {
	case domain.MessageTypeImage:
		mediatype = "image"
	case domain.MessageTypeVideo:
		mediatype = "video"
	}
	body := map[string]interface{}{
		"number":    number,
		"mediatype": mediatype,
		"media":     msg.MediaURL,
	}
	if msg.MediaMimeType != "" {
		body["mimetype"] = msg.MediaMimeType
	}
	if msg.Caption != "" {
		body["caption"] = msg.Caption
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendMedia/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

// SendAudio posts a voice note by URL.
func (c *Client) SendAudio(ctx context.Context, inst *domain.InstanceConfig, number, audioURL string) (string, int, error) {
	body := map[string]interface{}{
		"number": number,
		"audio":  audioURL,
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendWhatsAppAudio/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

// SendSticker posts a sticker by URL.
func (c *Client) SendSticker(ctx context.Context, inst *domain.InstanceConfig, number, stickerURL string) (string, int, error) {
	body := map[string]interface{}{
		"number":  number,
		"sticker": stickerURL,
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendSticker/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

// SendContact posts a contact card.
func (c *Client) SendContact(ctx context.Context, inst *domain.InstanceConfig, number, fullName, phone string) (string, int, error) {
	body := map[string]interface{}{
		"number": number,
		"contact": []map[string]interface{}{
			{
				"fullName":    fullName,
				"wuid":        phone,
				"phoneNumber": phone,
			},
		},
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendContact/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

// SendReaction reacts to a prior message.
func (c *Client) SendReaction(ctx context.Context, inst *domain.InstanceConfig, number, messageID, emoji string) (string, int, error) {
	body := map[string]interface{}{
		"key": sendKey{
			RemoteJid: number,
			ID:        messageID,
		},
		"reaction": emoji,
	}
	var reply sendReply
	status, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/message/sendReaction/"+inst.WhatsAppInstance, body, &reply)
	return reply.Key.ID, status, err
}

type fetchedInstance struct {
	Name            string `json:"name"`
	ConnectionState string `json:"connectionStatus"`
	Token           string `json:"token"`
}

// FetchInstances enumerates the instances an Evolution broker hosts.
func (c *Client) FetchInstances(ctx context.Context, baseURL, apiKey string) ([]fetchedInstance, error) {
	var out []fetchedInstance
	_, err := c.do(ctx, http.MethodGet, baseURL, apiKey, "/instance/fetchInstances", nil, &out)
	return out, err
}

// ConnectionState returns the connection state of one instance
// ("open", "connecting", "close").
func (c *Client) ConnectionState(ctx context.Context, inst *domain.InstanceConfig) (string, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	_, err := c.do(ctx, http.MethodGet, inst.EvolutionURL, inst.EvolutionKey,
		"/instance/connectionState/"+inst.WhatsAppInstance, nil, &out)
	if err != nil {
		return "", err
	}
	return out.Instance.State, nil
}

// Connect asks the broker to start a session and returns the pairing
// QR code when one is pending.
func (c *Client) Connect(ctx context.Context, inst *domain.InstanceConfig) (qrBase64 string, err error) {
	var out struct {
		Base64 string `json:"base64"`
		Code   string `json:"code"`
	}
	_, err = c.do(ctx, http.MethodGet, inst.EvolutionURL, inst.EvolutionKey,
		"/instance/connect/"+inst.WhatsAppInstance, nil, &out)
	if err != nil {
		return "", err
	}
	if out.Base64 != "" {
		return out.Base64, nil
	}
	return out.Code, nil
}

// Restart bounces the broker session for an instance.
func (c *Client) Restart(ctx context.Context, inst *domain.InstanceConfig) error {
	_, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/instance/restart/"+inst.WhatsAppInstance, nil, nil)
	return err
}

// Logout disconnects the WhatsApp session without deleting the broker
// instance.
func (c *Client) Logout(ctx context.Context, inst *domain.InstanceConfig) error {
	_, err := c.do(ctx, http.MethodDelete, inst.EvolutionURL, inst.EvolutionKey,
		"/instance/logout/"+inst.WhatsAppInstance, nil, nil)
	return err
}

// FindChats queries the broker's chat list.
func (c *Client) FindChats(ctx context.Context, inst *domain.InstanceConfig) ([]brokerChat, error) {
	var out []brokerChat
	_, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/chat/findChats/"+inst.WhatsAppInstance, map[string]interface{}{}, &out)
	return out, err
}

// FindContacts queries the broker's contact list.
func (c *Client) FindContacts(ctx context.Context, inst *domain.InstanceConfig) ([]brokerContact, error) {
	var out []brokerContact
	_, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/chat/findContacts/"+inst.WhatsAppInstance, map[string]interface{}{}, &out)
	return out, err
}

// FindMessages queries message history for one chat.
func (c *Client) FindMessages(ctx context.Context, inst *domain.InstanceConfig, chatID string, page, pageSize int) ([]webhookMessage, error) {
	body := map[string]interface{}{
		"where": map[string]interface{}{
			"key": map[string]interface{}{"remoteJid": chatID},
		},
		"page":   page,
		"offset": pageSize,
	}
	var out struct {
		Messages struct {
			Records []webhookMessage `json:"records"`
		} `json:"messages"`
	}
	_, err := c.do(ctx, http.MethodPost, inst.EvolutionURL, inst.EvolutionKey,
		"/chat/findMessages/"+inst.WhatsAppInstance, body, &out)
	return out.Messages.Records, err
}

type brokerChat struct {
	RemoteJid     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	LastMessageTS int64  `json:"lastMessageTimestamp"`
	UnreadCount   int    `json:"unreadCount"`
}

type brokerContact struct {
	RemoteJid  string `json:"remoteJid"`
	PushName   string `json:"pushName"`
	ProfilePic string `json:"profilePicUrl"`
}
