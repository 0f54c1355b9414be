package evolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

func TestParseWebhookTextMessage(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "wa-main",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "ABC123"},
			"pushName": "Alice",
			"messageType": "conversation",
			"messageTimestamp": 1756100000,
			"message": {"conversation": "hello there"}
		}
	}`)

	msg, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", msg.ID)
	assert.Equal(t, "5511999990000@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, "5511999990000", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderDisplayName)
	assert.Equal(t, domain.MessageTypeText, msg.MessageType)
	assert.Equal(t, "hello there", msg.Text)
	assert.False(t, msg.IsFromMe)
	assert.Equal(t, int64(1756100000), msg.Timestamp.Unix())
}

func TestParseWebhookExtendedTextReply(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "DEF456"},
			"message": {
				"extendedTextMessage": {
					"text": "replying",
					"contextInfo": {"stanzaId": "ABC123", "isForwarded": true}
				}
			}
		}
	}`)

	msg, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeText, msg.MessageType)
	assert.Equal(t, "replying", msg.Text)
	assert.True(t, msg.IsReply)
	assert.True(t, msg.IsForwarded)
	assert.Equal(t, "ABC123", msg.ReplyToMessageID)
}

func TestParseWebhookImageMessage(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "IMG1"},
			"message": {
				"imageMessage": {
					"url": "https://mmg.whatsapp.net/d/f/abc.enc",
					"mimetype": "image/jpeg",
					"caption": "look at this",
					"fileLength": "204800"
				}
			}
		}
	}`)

	msg, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeImage, msg.MessageType)
	assert.Equal(t, "https://mmg.whatsapp.net/d/f/abc.enc", msg.MediaURL)
	assert.Equal(t, "image/jpeg", msg.MediaMimeType)
	assert.Equal(t, "look at this", msg.Caption)
	assert.EqualValues(t, 204800, msg.MediaSize)
}

func TestParseWebhookGroupMessageUsesParticipant(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {
				"remoteJid": "120363000000000000@g.us",
				"fromMe": false,
				"id": "GRP1",
				"participant": "5511888880000@s.whatsapp.net"
			},
			"message": {"conversation": "hi group"}
		}
	}`)

	msg, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "120363000000000000@g.us", msg.ChatID)
	assert.Equal(t, "5511888880000", msg.SenderID)
}

func TestParseWebhookIgnoresOwnEcho(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "id": "ME1"},
			"message": {"conversation": "my own message"}
		}
	}`)

	_, err := ParseWebhook(raw)
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhookIgnoresNonMessageEvents(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"event": "connection.update", "data": {}}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhookReaction(t *testing.T) {
	raw := []byte(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "R1"},
			"message": {
				"reactionMessage": {
					"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "id": "ABC123"},
					"text": "👍"
				}
			}
		}
	}`)

	msg, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeReaction, msg.MessageType)
	assert.Equal(t, "👍", msg.Text)
	assert.Equal(t, "ABC123", msg.ReplyToMessageID)
}

func TestSplitParagraphs(t *testing.T) {
	assert.Equal(t, []string{"one line"}, SplitParagraphs("one line"))
	assert.Equal(t, []string{"first", "second"}, SplitParagraphs("first\n\nsecond"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitParagraphs("a\n\n\n\nb\n\nc"))
	// Single newlines stay within one part.
	assert.Equal(t, []string{"line one\nline two"}, SplitParagraphs("line one\nline two"))
	// Whitespace-only chunks are dropped.
	assert.Equal(t, []string{"x"}, SplitParagraphs("\n\nx\n\n  \n\n"))
}
