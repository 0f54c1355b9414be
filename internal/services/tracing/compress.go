package tracing

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// mediaURLFieldRe matches JSON keys like "media_url", "thumbnail_url",
// "image_url" that indicate the payload references media.
var mediaURLFieldRe = regexp.MustCompile(`"[A-Za-z0-9]*_url"\s*:\s*"[^"]`)

// canonicalBytes serializes a payload to its canonical byte form: raw
// for []byte and string, JSON for everything else.
func canonicalBytes(payload interface{}) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "application/json", nil
	case []byte:
		return v, "application/octet-stream", nil
	case string:
		return []byte(v), "text/plain", nil
	case json.RawMessage:
		return v, "application/json", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("serialize payload: %w", err)
		}
		return data, "application/json", nil
	}
}

// deflate compresses data with zlib.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate reverses deflate.
func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// detectMedia heuristically flags payloads carrying media references or
// inline base64 blobs.
func detectMedia(data []byte) (containsMedia, containsBase64 bool) {
	s := string(data)
	if strings.Contains(s, "data:") && strings.Contains(s, ";base64,") {
		containsMedia = true
		containsBase64 = true
	}
	if mediaURLFieldRe.MatchString(s) {
		containsMedia = true
	}
	return containsMedia, containsBase64
}
