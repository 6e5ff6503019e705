package lifecycle

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the tagged-union worker message protocol.
type MessageType string

const (
	// MessageGetVersion asks the worker for its deploy version.
	MessageGetVersion MessageType = "GET_VERSION"
	// MessageSkipWaiting instructs a waiting worker to activate.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageClearCache clears all cache buckets.
	MessageClearCache MessageType = "CLEAR_CACHE"
)

// Message is one request or response on the page/worker channel.
// ID is the one-shot correlation id tying a response to its request.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VersionPayload is the response payload of GET_VERSION.
type VersionPayload struct {
	Version string `json:"version"`
}

// ClearedPayload is the response payload of CLEAR_CACHE.
type ClearedPayload struct {
	Cleared bool `json:"cleared"`
}

// Validate checks the message at the channel boundary. Both ends call
// it: loosely-typed payloads never cross between contexts.
func (m Message) Validate() error {
	switch m.Type {
	case MessageGetVersion, MessageSkipWaiting, MessageClearCache:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.ID == "" {
		return fmt.Errorf("message of type %s has no correlation id", m.Type)
	}
	return nil
}

// roundTrip re-encodes a message through JSON, which is how it would
// cross a real serialization boundary. Malformed payloads fail here
// instead of inside the other context.
func roundTrip(m Message) (Message, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	var out Message
	if err := json.Unmarshal(b, &out); err != nil {
		return Message{}, err
	}
	return out, out.Validate()
}
