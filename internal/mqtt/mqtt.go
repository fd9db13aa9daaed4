// Package mqtt bridges platform signals and notifications over MQTT.
package mqtt

import (
	"fmt"
	"strings"
)

// Handler receives an inbound message.
type Handler func(topic string, payload []byte)

// Client is the subset of an MQTT connection the bridge needs.
type Client interface {
	// Publish sends payload to topic.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe registers handler for topic.
	Subscribe(topic string, qos byte, handler Handler) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// Topics are the per-device topics.
type Topics struct {
	Usage         string
	Title         string
	Power         string
	Notifications string
}

// NewTopics builds the topic set for a device serial under prefix.
func NewTopics(prefix, serial string) (Topics, error) {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return Topics{}, fmt.Errorf("mqtt: topic prefix is required")
	}
	if serial == "" || strings.ContainsAny(serial, "/+#") {
		return Topics{}, fmt.Errorf("mqtt: invalid device serial %q", serial)
	}

	base := prefix + "/" + serial
	return Topics{
		Usage:         base + "/usage",
		Title:         base + "/title",
		Power:         base + "/power",
		Notifications: base + "/notifications",
	}, nil
}
