package firestore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// timeCursor is the page token payload for collections ordered by a
// timestamp field with the document id as tie breaker.
type timeCursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

func encodeTimeCursor(cursor timeCursor) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(cursor); err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeTimeCursor(encoded string) (*timeCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	var cursor timeCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("decode page token json: %w", err)
	}
	return &cursor, nil
}

func normalisePageSize(size int) int {
	if size <= 0 {
		return 50
	}
	if size > 200 {
		return 200
	}
	return size
}
