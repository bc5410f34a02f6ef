// Package broadcast is the same-machine publish/subscribe channel processes use to
// tell each other about record writes without going through the remote store.
//
// Delivery is best-effort and at-most-once per subscriber alive at publish time.
// Nothing is persisted: a subscriber that starts after a publish misses it.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MessageType discriminates broadcast payloads.
type MessageType string

const (
	// TypeRecordUpdate announces that a record was written.
	TypeRecordUpdate MessageType = "recordUpdate"
	// TypeForceSync asks every listener to re-read its local cache.
	TypeForceSync MessageType = "forceSync"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("broadcast bus closed")

// Message is the wire shape shared by every bus implementation.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	CacheBust bool            `json:"cacheBust,omitempty"`
	// Origin identifies the publishing bus so it can skip its own messages.
	Origin string `json:"origin,omitempty"`
}

// Handler receives messages for one subscription. Handlers run on a goroutine
// owned by the bus and must not block for long.
type Handler func(msg Message)

// Bus is implemented by MemoryBus, RedisBus and FileBus.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, handler Handler) (unsubscribe func(), err error)
	Close() error
}

// RecordUpdate builds a recordUpdate message.
func RecordUpdate(id string, data json.RawMessage, cacheBust bool) Message {
	return Message{
		Type:      TypeRecordUpdate,
		ID:        id,
		Data:      data,
		Timestamp: time.Now().UTC(),
		CacheBust: cacheBust,
	}
}

// ForceSync builds a zero-payload forceSync message.
func ForceSync() Message {
	return Message{
		Type:      TypeForceSync,
		Timestamp: time.Now().UTC(),
	}
}
