package channel

import "encoding/json"

// ChannelPrefix namespaces per-user channels on the notification service.
const ChannelPrefix = "notification::"

// Name returns the channel a subject subscribes to.
func Name(subjectID string) string {
	return ChannelPrefix + subjectID
}

type FrameType string

const (
	FrameSubscribe    FrameType = "subscribe"
	FrameAck          FrameType = "ack"
	FrameNotification FrameType = "notification"
	FrameDisconnect   FrameType = "disconnect"
	FrameError        FrameType = "error"
)

// Frame is the JSON envelope exchanged with the notification service.
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Delivery is a notification frame that passed channel scoping.
type Delivery struct {
	Channel string
	Data    json.RawMessage
}

type Handler func(Delivery)
