package mqttconverter

import (
	"time"

	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
)

// NotificationKind classifies an event read by the dispatch goroutine.
type NotificationKind int

const (
	// NotificationPublish carries an inbound application message.
	NotificationPublish NotificationKind = iota
	// NotificationConnected is raised on every successful (re)connection.
	NotificationConnected
	// NotificationConnectionLost is raised when an established connection drops.
	NotificationConnectionLost
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationPublish:
		return "publish"
	case NotificationConnected:
		return "connected"
	case NotificationConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Notification is a single inbound event from the broker connection.
type Notification struct {
	Kind       NotificationKind
	Message    messagepipeline.Message
	Err        error
	ReceivedAt time.Time
}
