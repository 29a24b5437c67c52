// Package message defines the immutable record type that flows through the
// engine once a payload has cleared the produce pipeline and been appended
// to the log store.
package message

import (
	"maps"
	"time"
)

// Headers carries string key/value metadata alongside a message value.
type Headers map[string]string

// Clone returns an independent copy of the headers. A nil receiver clones
// to nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return maps.Clone(h)
}

// Message is a single record as observed at append time. Messages are
// immutable once appended; consumers and processors must treat them as
// read-only.
type Message struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Partition int            `json:"partition"`
	Offset    int64          `json:"offset"`
	Key       string         `json:"key,omitempty"`
	Value     map[string]any `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Headers   Headers        `json:"headers,omitempty"`
	Size      int            `json:"size"`
}

// Clone returns a copy of the message with its own headers map. The value
// map is shared: values are treated as immutable after append.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Headers = m.Headers.Clone()
	return &out
}
