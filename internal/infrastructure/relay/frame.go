package relay

import "encoding/json"

// Websocket relay wire operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"

	OpSubscribed = "subscribed"
	OpMessage    = "message"
	OpError      = "error"
)

// Frame is one JSON text frame between a relay client and the relay server.
// Payloads are JSON documents and travel unescaped.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
