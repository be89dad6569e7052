// Package thing is the device-side client for the telemetry and control
// cloud. A Client multiplexes a long-lived broker session, an outbound
// publish queue, remote action dispatch and HTTP file transfers behind a
// single handle.
package thing

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/wrlabs/devicecloud/config"
	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/tr50"
	"github.com/wrlabs/devicecloud/thing/transport"
)

// ClientOption is a client configuration option.
type ClientOption func(c *Client) error

// WithLogger replaces the default logger.
func WithLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithTransport replaces the default MQTT transport.
func WithTransport(tr transport.Transport) ClientOption {
	return func(c *Client) error {
		c.tr = tr
		return nil
	}
}

// WithHTTPClient replaces the HTTP client used for file transfers.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// Client is a device cloud client for one thing.
type Client struct {
	cfg *config.Config
	log *logrus.Logger

	tr   transport.Transport
	http *http.Client

	state         atomic.Int32
	lastConnected atomic.Int64 // unix nanos of the last connected instant

	// sendMu serializes publish-and-track so a reply can never arrive
	// before its request is inserted into the tracker.
	sendMu  sync.Mutex
	tracker *tracker

	pubq    *fifo[queuedPublication]
	workq   *fifo[work]
	actions *actionRegistry

	mu sync.Mutex
	t  *tomb.Tomb
}

// New builds a client from an initialized configuration.
func New(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil || !cfg.Initialized() {
		return nil, status.Errorf(status.NotInitialized,
			"configuration is not initialized")
	}
	c := &Client{
		cfg:     cfg,
		log:     logrus.New(),
		tracker: newTracker(),
		pubq:    newFifo[queuedPublication](),
		workq:   newFifo[work](),
		actions: newActionRegistry(),
	}
	c.state.Store(int32(StateDisconnected))
	c.lastConnected.Store(time.Now().UnixNano())

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if cfg.LogLevel != "" {
		if err := c.SetLogLevel(cfg.LogLevel); err != nil {
			c.log.Warnf("log_level %q not found, DEBUG used as default", cfg.LogLevel)
		}
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, status.Errorf(status.FileOpenFailed, "log file: %v", err)
		}
		c.log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return c, nil
}

// ThingKey returns the derived broker identity of this client.
func (c *Client) ThingKey() string {
	return c.cfg.ThingKey
}

// send encodes messages as one batched request, publishes it on the next
// api topic and tracks every command for reply correlation. The send lock
// is held from counter assignment until all commands are tracked.
func (c *Client) send(msgs ...*outMessage) error {
	cmds := make([]tr50.Command, len(msgs))
	for i, m := range msgs {
		cmds[i] = m.cmd
	}
	payload, err := tr50.EncodeBatch(cmds)
	if err != nil {
		return status.Errorf(status.ParseError, "encode request: %v", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.tr == nil {
		return status.Errorf(status.NotInitialized, "not connected")
	}

	topic := c.tracker.nextTopic()
	mid, err := c.tr.Publish("api/"+topic, payload)
	if err != nil {
		return status.Errorf(status.Failure, "publish api/%s: %v", topic, err)
	}
	c.tracker.addMid(mid, topic)

	now := time.Now().UTC()
	for i, m := range msgs {
		m.ts = now
		m.id = fmt.Sprintf("%s-%d", topic, i+1)
		c.tracker.add(m)
		c.log.Infof("MQTT queued %s - %s", m.id, m.desc)
	}
	return nil
}

func (c *Client) trackerLen() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.tracker.len()
}

// Ping requests a connection check. The outcome is logged when the reply
// arrives.
func (c *Client) Ping() error {
	return c.send(&outMessage{cmd: tr50.DiagPing(), desc: "Ping"})
}

// TimeCheck requests the cloud time. The outcome is logged when the reply
// arrives.
func (c *Client) TimeCheck() error {
	return c.send(&outMessage{cmd: tr50.DiagTime(), desc: "Time Check"})
}

// Acknowledge sends the terminal acknowledgement for a mailbox request.
func (c *Client) Acknowledge(mailID string, s status.Status, message string) error {
	cmd := tr50.MailboxAck(mailID, s.CloudCode(), message, nil)
	desc := fmt.Sprintf("Action Acknowledge %s %d: %q", mailID, s.CloudCode(), message)
	return c.send(&outMessage{cmd: cmd, desc: desc})
}

// ProgressUpdate sends a non-terminal progress message for a mailbox
// request.
func (c *Client) ProgressUpdate(mailID, message string) error {
	cmd := tr50.MailboxUpdate(mailID, message)
	desc := fmt.Sprintf("Update Action Progress %s %q", mailID, message)
	return c.send(&outMessage{cmd: cmd, desc: desc})
}
