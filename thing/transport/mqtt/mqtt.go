// Package mqtt implements the broker transport on top of the paho MQTT
// client. Port 443 tunnels MQTT over WebSocket, any other port speaks
// plain MQTT; ports 443 and 8883 get a TLS context built from the
// configured validation policy.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/wrlabs/devicecloud/config"
	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/thing/transport"
)

const (
	// brokerKeepAlive is the MQTT keep-alive interval.
	brokerKeepAlive = 60 * time.Second

	// defaultQoS for all api traffic.
	defaultQoS = 1

	connectTimeout = 30 * time.Second
)

// TransportOption configures the transport.
type TransportOption func(tr *Transport)

// WithLogger sets the transport logger.
func WithLogger(l logrus.FieldLogger) TransportOption {
	return func(tr *Transport) {
		tr.log = l
	}
}

// Transport is an MQTT broker connection for one thing.
type Transport struct {
	mu   sync.RWMutex
	conn pahomqtt.Client
	opts *pahomqtt.ClientOptions

	cb  transport.Callbacks
	log logrus.FieldLogger
}

var _ transport.Transport = (*Transport)(nil)

// New validates the broker and TLS/proxy configuration and builds a
// transport. No socket is opened; configuration problems surface here,
// before any connection attempt.
func New(cfg *config.Config, opts ...TransportOption) (*Transport, error) {
	if cfg.Cloud.Host == "" || cfg.Cloud.Port == 0 {
		return nil, status.Errorf(status.BadParameter,
			"missing host or port from configuration")
	}

	tr := &Transport{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(tr)
	}

	scheme := "tcp"
	path := ""
	if cfg.Cloud.Port == 443 {
		scheme = "wss"
		path = "/mqtt"
	} else if cfg.SecurePort() {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Cloud.Host, cfg.Cloud.Port, path)

	o := pahomqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID(cfg.ThingKey)
	o.SetUsername(cfg.ThingKey)
	o.SetPassword(cfg.Cloud.Token)
	o.SetKeepAlive(brokerKeepAlive)
	o.SetConnectTimeout(connectTimeout)
	o.SetCleanSession(true)
	// The session manager owns the reconnect policy.
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)

	if cfg.SecurePort() {
		tlsc, err := cfg.TLSClientConfig()
		if err != nil {
			return nil, err
		}
		o.SetTLSConfig(tlsc)
	}

	if cfg.HasProxy() {
		open, err := newProxyOpener(cfg)
		if err != nil {
			return nil, err
		}
		o.SetCustomOpenConnectionFn(open)
	}

	o.SetOnConnectHandler(func(conn pahomqtt.Client) {
		tr.log.Info("MQTT connected")
		for _, filter := range []string{"reply/#", "notify/#"} {
			t := conn.Subscribe(filter, defaultQoS, nil)
			go func(filter string, t pahomqtt.Token) {
				if t.Wait() && t.Error() != nil {
					tr.log.Errorf("MQTT subscribe %s failed: %v", filter, t.Error())
				}
			}(filter, t)
		}
		if cb := tr.callbacks(); cb.OnConnect != nil {
			cb.OnConnect()
		}
	})
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		tr.log.Errorf("MQTT connection lost: %v", err)
		if cb := tr.callbacks(); cb.OnConnectionLost != nil {
			cb.OnConnectionLost(err)
		}
	})
	o.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		if cb := tr.callbacks(); cb.OnMessage != nil {
			cb.OnMessage(m.Topic(), m.Payload())
		}
	})

	tr.opts = o
	return tr, nil
}

// setCallbacks swaps the callback set. Open runs on every reconnect
// attempt, so readers must snapshot through callbacks.
func (tr *Transport) setCallbacks(cb transport.Callbacks) {
	tr.mu.Lock()
	tr.cb = cb
	tr.mu.Unlock()
}

func (tr *Transport) callbacks() transport.Callbacks {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.cb
}

// Open dials the broker and waits for the CONNACK.
func (tr *Transport) Open(cb transport.Callbacks) error {
	tr.setCallbacks(cb)
	tr.mu.Lock()
	if tr.conn == nil {
		tr.conn = pahomqtt.NewClient(tr.opts)
	}
	conn := tr.conn
	tr.mu.Unlock()

	t := conn.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return status.Errorf(status.TimedOut, "broker connect timed out")
	}
	if err := t.Error(); err != nil {
		return status.Errorf(status.Failure, "broker connect: %v", err)
	}
	return nil
}

// Publish sends one payload at QoS 1 and returns the broker message id.
// The broker's acknowledgement is reported through OnPublish.
func (tr *Transport) Publish(topic string, payload []byte) (uint16, error) {
	tr.mu.RLock()
	conn := tr.conn
	tr.mu.RUnlock()
	if conn == nil {
		return 0, status.Errorf(status.NotInitialized, "not connected")
	}

	t := conn.Publish(topic, defaultQoS, false, payload)
	mid := uint16(0)
	if pt, ok := t.(*pahomqtt.PublishToken); ok {
		mid = pt.MessageID()
	}
	cb := tr.callbacks()
	go func() {
		if t.Wait() && t.Error() == nil {
			if cb.OnPublish != nil {
				cb.OnPublish(mid)
			}
			return
		}
		tr.log.Errorf("MQTT publish %s failed: %v", topic, t.Error())
	}()
	return mid, nil
}

// IsConnected reports whether the broker session is up.
func (tr *Transport) IsConnected() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.conn != nil && tr.conn.IsConnected()
}

// Close drains pending frames for at most quiesce and disconnects.
func (tr *Transport) Close(quiesce time.Duration) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn == nil {
		return nil
	}
	tr.conn.Disconnect(uint(quiesce.Milliseconds()))
	tr.log.Info("MQTT disconnected")
	return nil
}
