package thing

import (
	"fmt"
	"time"

	"github.com/wrlabs/devicecloud/tr50"
)

// publication is one queued datapoint awaiting the next flush. The
// timestamp is captured at queue time, not at send time.
type publication interface {
	command(thingKey string, ts time.Time) (tr50.Command, string)
}

type queuedPublication struct {
	pub publication
	ts  time.Time
}

type telemetryPub struct {
	key   string
	value float64
}

func (p telemetryPub) command(thingKey string, ts time.Time) (tr50.Command, string) {
	return tr50.PropertyPublish(thingKey, p.key, p.value, ts),
		fmt.Sprintf("Property Publish %s : %v", p.key, p.value)
}

type attributePub struct {
	key   string
	value string
}

func (p attributePub) command(thingKey string, ts time.Time) (tr50.Command, string) {
	return tr50.AttributePublish(thingKey, p.key, p.value, ts),
		fmt.Sprintf("Attribute Publish %s : %q", p.key, p.value)
}

type alarmPub struct {
	key     string
	state   int
	message string
}

func (p alarmPub) command(thingKey string, ts time.Time) (tr50.Command, string) {
	return tr50.AlarmPublish(thingKey, p.key, p.state, p.message, ts),
		fmt.Sprintf("Alarm Publish %s : %d", p.key, p.state)
}

type eventPub struct {
	message string
}

func (p eventPub) command(thingKey string, ts time.Time) (tr50.Command, string) {
	return tr50.LogPublish(thingKey, p.message, ts),
		fmt.Sprintf("Log Publish %s", p.message)
}

// Location is a position sample for PublishLocation. The pointer fields
// are omitted from the wire when nil.
type Location struct {
	Latitude  float64
	Longitude float64

	Heading     *float64
	Altitude    *float64
	Speed       *float64
	FixAccuracy *float64
	FixType     string
}

type locationPub struct {
	loc Location
}

func (p locationPub) command(thingKey string, ts time.Time) (tr50.Command, string) {
	opt := &tr50.LocationOptions{
		Heading:     p.loc.Heading,
		Altitude:    p.loc.Altitude,
		Speed:       p.loc.Speed,
		FixAccuracy: p.loc.FixAccuracy,
		FixType:     p.loc.FixType,
	}
	return tr50.LocationPublish(thingKey, p.loc.Latitude, p.loc.Longitude, opt, ts),
		fmt.Sprintf("Location Publish %v,%v", p.loc.Latitude, p.loc.Longitude)
}

func (c *Client) queuePublish(p publication) {
	c.pubq.push(queuedPublication{pub: p, ts: time.Now().UTC()})
}

// PublishTelemetry queues a numeric datapoint for the next flush.
func (c *Client) PublishTelemetry(key string, value float64) {
	c.queuePublish(telemetryPub{key: key, value: value})
}

// PublishAttribute queues a string datapoint for the next flush.
func (c *Client) PublishAttribute(key, value string) {
	c.queuePublish(attributePub{key: key, value: value})
}

// PublishAlarm queues an alarm state change and requests an immediate
// flush so alarms do not wait for the next tick.
func (c *Client) PublishAlarm(key string, state int, message string) {
	c.queuePublish(alarmPub{key: key, state: state, message: message})
	c.workq.push(work{kind: workPublish})
}

// PublishLocation queues a position sample for the next flush.
func (c *Client) PublishLocation(loc Location) {
	c.queuePublish(locationPub{loc: loc})
}

// PublishEvent queues a log line for the next flush.
func (c *Client) PublishEvent(message string) {
	c.queuePublish(eventPub{message: message})
}

// handlePublish drains everything queued at the time of the call and
// sends it as one batched request, preserving queue order.
func (c *Client) handlePublish() error {
	queued := c.pubq.drain()
	if len(queued) == 0 {
		return nil
	}
	msgs := make([]*outMessage, len(queued))
	for i, q := range queued {
		cmd, desc := q.pub.command(c.cfg.ThingKey, q.ts)
		msgs[i] = &outMessage{cmd: cmd, desc: desc}
	}
	return c.send(msgs...)
}
