// Package transport defines the broker transport consumed by the client
// core.
package transport

import "time"

// Callbacks deliver broker events to the client core. All fields are
// optional; nil callbacks are skipped.
type Callbacks struct {
	// OnConnect fires when the broker accepts the CONNECT.
	OnConnect func()

	// OnConnectionLost fires on a broker-initiated disconnect.
	OnConnectionLost func(err error)

	// OnMessage fires for every inbound publish.
	OnMessage func(topic string, payload []byte)

	// OnPublish fires when the broker acknowledges an outbound QoS 1
	// publish, identified by its broker message id.
	OnPublish func(mid uint16)
}

// Transport is a broker connection. Implementations hold their TLS and
// proxy policy per instance.
type Transport interface {
	// Open dials the broker and sends CONNECT. The CONNACK outcome is
	// reported both by the return value and through OnConnect.
	Open(cb Callbacks) error

	// Publish sends a payload at QoS 1 and returns the broker message id
	// assigned to it.
	Publish(topic string, payload []byte) (uint16, error)

	// IsConnected reports whether the broker session is up.
	IsConnected() bool

	// Close drains outbound frames for at most the quiesce period and
	// tears the connection down.
	Close(quiesce time.Duration) error
}
