package thing

import (
	"time"

	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/thing/transport"
	"github.com/wrlabs/devicecloud/thing/transport/mqtt"
)

// ConnectionState is the broker session state. Only the session manager
// and the transport callbacks mutate it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	// pollInterval paces blocking waits on connect, disconnect and file
	// transfers.
	pollInterval = 100 * time.Millisecond

	// closeQuiesce is the final drain window for pending outbound frames.
	closeQuiesce = 250 * time.Millisecond
)

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsConnected reports whether the client is connected to the cloud.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// IsAlive reports whether the driver loop is running.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.t.Alive()
}

func (c *Client) lastConnectedTime() time.Time {
	return time.Unix(0, c.lastConnected.Load())
}

func (c *Client) touchLastConnected() {
	c.lastConnected.Store(time.Now().UnixNano())
}

func (c *Client) transportCallbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnect: func() {
			c.touchLastConnected()
			c.setState(StateConnected)
		},
		OnConnectionLost: func(err error) {
			c.touchLastConnected()
			c.setState(StateDisconnected)
			c.log.Errorf("MQTT connection lost, attempting to reconnect: %v", err)
		},
		OnMessage: c.onMessage,
		OnPublish: c.onPublish,
	}
}

// Connect opens the broker session and blocks up to timeout (0 =
// unbounded) for the connection to establish. On success it starts the
// driver loop and the worker pool.
func (c *Client) Connect(timeout time.Duration) error {
	if c.cfg.Cloud.Host == "" || c.cfg.Cloud.Port == 0 {
		return status.Errorf(status.BadParameter,
			"missing host or port from configuration")
	}

	c.mu.Lock()
	if c.t != nil && c.t.Alive() {
		c.mu.Unlock()
		return status.Errorf(status.Failure, "already connected")
	}
	if c.tr == nil {
		tr, err := mqtt.New(c.cfg, mqtt.WithLogger(c.log))
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.tr = tr
	}
	if c.http == nil {
		hc, err := c.newHTTPClient()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.http = hc
	}
	c.mu.Unlock()

	c.log.Info("Connecting...")
	c.setState(StateConnecting)
	errc := make(chan error, 1)
	go func() {
		err := c.tr.Open(c.transportCallbacks())
		if err != nil {
			c.setState(StateDisconnected)
		}
		errc <- err
	}()

	deadline := time.Now().Add(timeout)
	for c.State() == StateConnecting &&
		(timeout == 0 || time.Now().Before(deadline)) {
		time.Sleep(pollInterval)
	}

	switch c.State() {
	case StateConnected:
	case StateConnecting:
		c.log.Error("Connection timed out")
		c.setState(StateDisconnected)
		c.tr.Close(0)
		return status.Errorf(status.TimedOut, "connection timed out")
	default:
		c.log.Error("Failed to connect")
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		default:
		}
		return status.Errorf(status.Failure, "failed to connect")
	}

	c.mu.Lock()
	t := new(tomb.Tomb)
	c.t = t
	c.mu.Unlock()
	t.Go(func() error { return c.run(t) })
	for i := 0; i < c.cfg.ThreadCount; i++ {
		t.Go(func() error { return c.workLoop(t) })
	}
	return nil
}

// Disconnect flushes the publish queue, optionally waits for outstanding
// replies, then stops the driver and joins the workers. A timeout of 0
// waits unbounded.
func (c *Client) Disconnect(waitForReplies bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	within := func() bool {
		return timeout == 0 || time.Now().Before(deadline)
	}

	if c.pubq.len() > 0 && c.IsAlive() {
		c.workq.push(work{kind: workPublish})
	}

	c.log.Info("Disconnecting...")
	for within() && c.IsAlive() && c.workq.len() > 0 {
		time.Sleep(pollInterval)
	}

	if waitForReplies && c.IsConnected() {
		c.log.Info("Waiting for replies...")
		for within() && c.trackerLen() > 0 {
			time.Sleep(pollInterval)
		}
	}

	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t != nil {
		t.Kill(nil)
		t.Wait()
	}
	return nil
}

// run is the driver loop: it watches the connection, reconnects while the
// keep-alive budget allows and queues a publish flush at the end of every
// tick with pending publishes.
func (c *Client) run(t *tomb.Tomb) error {
	tick := time.NewTicker(c.cfg.LoopTick())
	defer tick.Stop()
	for {
		select {
		case <-t.Dying():
			c.shutdown()
			return nil
		case <-tick.C:
		}

		if c.State() == StateDisconnected {
			if !c.reconnect(t) {
				t.Kill(nil)
				c.shutdown()
				return nil
			}
		}

		if c.pubq.len() > 0 {
			c.workq.push(work{kind: workPublish})
		}
	}
}

// reconnect retries the broker connection with backoff until it succeeds
// or the keep-alive budget since the last connected instant is exhausted.
// It reports whether the session should keep running.
func (c *Client) reconnect(t *tomb.Tomb) bool {
	budget := c.cfg.KeepAliveBudget()
	remaining := time.Duration(0)
	if budget != 0 {
		remaining = budget - time.Since(c.lastConnectedTime())
		if remaining <= 0 {
			c.log.Errorf("No connection after %v, exiting...", budget)
			return false
		}
	}

	backoff := retry.LimitCount(8, retry.Exponential{
		Initial: c.cfg.LoopTick(),
		Factor:  2,
	})
	var strategy retry.Strategy = backoff
	if budget != 0 {
		strategy = retry.LimitTime(remaining, backoff)
	}

	// the dying channel cancels the backoff sleep so Disconnect is never
	// stuck behind an inter-attempt wait
	for a := retry.StartWithCancel(strategy, nil, t.Dying()); a.Next(); {
		c.log.Debug("Reconnecting...")
		c.setState(StateConnecting)
		if err := c.tr.Open(c.transportCallbacks()); err == nil {
			return true
		}
		c.setState(StateDisconnected)
	}
	select {
	case <-t.Dying():
		return true
	default:
	}

	// attempts exhausted; the next tick starts a fresh round unless the
	// budget ran out
	if budget != 0 && time.Since(c.lastConnectedTime()) >= budget {
		c.log.Errorf("No connection after %v, exiting...", budget)
		return false
	}
	return true
}

// shutdown drains pending outbound frames, closes the transport and
// reports requests that never received a reply.
func (c *Client) shutdown() {
	if c.tr != nil {
		c.tr.Close(closeQuiesce)
	}
	c.setState(StateDisconnected)

	c.sendMu.Lock()
	pending := c.tracker.pending()
	c.sendMu.Unlock()
	if len(pending) > 0 {
		c.log.Error("These messages never received a reply:")
		for _, m := range pending {
			c.log.Errorf(".... %s - %s", m.id, m.desc)
		}
	}
}
