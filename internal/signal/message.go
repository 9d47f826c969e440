// Package signal implements the lightweight WebSocket signaling layer
// that tells other devices WHEN budget data changed. Signals never
// carry budget payloads; the encrypted data itself only ever moves
// through a sync provider.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a signaling message.
type Type string

const (
	// TypeConnected announces a device joining a budget room.
	TypeConnected Type = "connected"

	// TypeDataChanged tells peers remote data was just uploaded.
	TypeDataChanged Type = "data_changed"

	// TypeSyncRequired asks peers to run a sync cycle soon.
	TypeSyncRequired Type = "sync_required"

	// TypePing and TypePong carry the heartbeat.
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Metadata is the only extra information a signal may carry. Every
// field is a short identifier; anything else a sender attaches is
// dropped during sanitization.
type Metadata struct {
	DeviceID string `json:"deviceId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Version  string `json:"version,omitempty"`
	BudgetID string `json:"budgetId,omitempty"`
}

// Message is a sanitized signaling message.
type Message struct {
	Type      Type      `json:"type"`
	BudgetID  string    `json:"budgetId,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Sanitize rebuilds a message from raw wire bytes, copying only the
// allow-listed fields one by one. Unknown top-level fields and unknown
// metadata keys never survive, on send or on receive, so a compromised
// peer cannot smuggle payloads through the signaling channel.
func Sanitize(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("signal: malformed message: %w", err)
	}

	var msg Message
	if v, ok := fields["type"]; ok {
		if err := json.Unmarshal(v, &msg.Type); err != nil {
			return Message{}, fmt.Errorf("signal: bad type field: %w", err)
		}
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("signal: message has no type")
	}
	if v, ok := fields["budgetId"]; ok {
		if err := json.Unmarshal(v, &msg.BudgetID); err != nil {
			return Message{}, fmt.Errorf("signal: bad budgetId field: %w", err)
		}
	}
	if v, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(v, &msg.Timestamp); err != nil {
			return Message{}, fmt.Errorf("signal: bad timestamp field: %w", err)
		}
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	if v, ok := fields["metadata"]; ok {
		var metaFields map[string]json.RawMessage
		if err := json.Unmarshal(v, &metaFields); err != nil {
			return Message{}, fmt.Errorf("signal: bad metadata field: %w", err)
		}
		meta := &Metadata{}
		decodeString(metaFields, "deviceId", &meta.DeviceID)
		decodeString(metaFields, "userId", &meta.UserID)
		decodeString(metaFields, "version", &meta.Version)
		decodeString(metaFields, "budgetId", &meta.BudgetID)
		msg.Metadata = meta
	}
	return msg, nil
}

func decodeString(fields map[string]json.RawMessage, key string, out *string) {
	v, ok := fields[key]
	if !ok {
		return
	}
	// Non-string values are dropped, not errors.
	_ = json.Unmarshal(v, out)
}

// Encode sanitizes msg into wire bytes. Marshaling through the typed
// structs means only the allow-listed fields can ever leave the
// process.
func Encode(msg Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}
