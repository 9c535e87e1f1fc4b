package mqttconverter

import (
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
)

// ToMessage converts a Paho message into the pipeline's Message. The payload is
// copied because Paho may reuse its buffer once the callback returns.
func ToMessage(msg mqtt.Message, receivedAt time.Time) messagepipeline.Message {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:          strconv.Itoa(int(msg.MessageID())),
			Payload:     payloadCopy,
			PublishTime: receivedAt,
			Duplicate:   msg.Duplicate(),
		},
		Topic: msg.Topic(),
		Attributes: map[string]string{
			"mqtt_qos":      strconv.Itoa(int(msg.Qos())),
			"mqtt_retained": strconv.FormatBool(msg.Retained()),
		},
	}
}
