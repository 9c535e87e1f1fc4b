package messagepipeline

import (
	"time"
)

// Message is the canonical, internal representation of a message received from the
// broker. It is created once on receipt and is not modified afterwards.
type Message struct {
	// MessageData contains the core payload and receipt metadata.
	MessageData

	// Topic is the broker channel the message arrived on.
	Topic string

	// Attributes holds any extra metadata from the broker (e.g. MQTT QoS).
	Attributes map[string]string
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is the identifier assigned by the source broker. For MQTT this is the
	// packet identifier, which is only unique among in-flight messages.
	ID string `json:"id"`

	// Payload is the raw, undecoded byte content of the message.
	Payload []byte `json:"payload"`

	// PublishTime is the time the message was received from the broker.
	PublishTime time.Time `json:"publishTime"`

	// Duplicate is set when the broker flags the message as a redelivery.
	Duplicate bool `json:"duplicate,omitempty"`
}
