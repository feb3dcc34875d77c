package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode parses a raw frame. It fails for empty input, invalid JSON and a
// missing type; unknown types decode successfully so the caller can decide
// to ignore them.
func Decode(data []byte) (*ClientMessage, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyFrame
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Validate checks the fields required by the frame type. An auth frame with
// an empty key is structurally valid; rejecting the credential is the
// authentication gate's job.
func (m *ClientMessage) Validate() error {
	if !IsKnownType(m.Type) {
		return ErrUnknownType
	}
	if m.Type == TypeMessage && !m.HasContent() {
		return ErrEmptyMessage
	}
	return nil
}

// HasContent reports whether a chat message carries text or an image.
func (m *ClientMessage) HasContent() bool {
	return m.Text != "" || m.ImageURL != ""
}

// IsKnownType reports whether t is a client frame type the broker handles.
func IsKnownType(t string) bool {
	switch t {
	case TypeAuth, TypeSearch, TypeMessage, TypeEndChat, TypePing, TypeTypingStart, TypeTypingStop:
		return true
	default:
		return false
	}
}

// IsTypingKind reports whether t is a typing signal.
func IsTypingKind(t string) bool {
	return t == TypeTypingStart || t == TypeTypingStop
}
