package api

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// PT is an application payload type sent over peer data channels.
type PT string

const (
	Program PT = "program"
	Command PT = "command"
	Status  PT = "status"
	Ping    PT = "ping"
	Pong    PT = "pong"
)

// Message is a data channel payload.
// All timestamps are Unix milliseconds.
type Message struct {
	Type          PT              `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	PingTimestamp int64           `json:"pingTimestamp,omitempty"`
	Latency       int64           `json:"latency,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func Now() int64 { return time.Now().UnixMilli() }

func NewMessage(t PT, data any) (Message, error) {
	m := Message{Type: t, Timestamp: Now()}
	if data == nil {
		return m, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return m, err
	}
	m.Data = b
	return m, nil
}

func NewPing() Message { return Message{Type: Ping, Timestamp: Now()} }

// NewPong answers a ping, latency is the one-way estimate of the ping.
func NewPong(ping Message) Message {
	now := Now()
	return Message{Type: Pong, Timestamp: now, PingTimestamp: ping.Timestamp, Latency: now - ping.Timestamp}
}

// ParseMessage decodes a data channel payload. A payload without a type is malformed.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: no type", ErrMalformed)
	}
	return m, nil
}

// Unwrap decodes the data part of the message.
func Unwrap[T any](m Message) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(m.Data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
