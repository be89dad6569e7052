package thing

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/tr50"
)

// onMessage runs on the transport's receive path. It validates and hands
// off quickly so the broker client never blocks on protocol work.
func (c *Client) onMessage(topic string, payload []byte) {
	if !json.Valid(payload) {
		c.log.Errorf("MQTT dropped malformed message on %s", topic)
		return
	}
	c.workq.push(work{kind: workMessage, msg: &message{topic: topic, payload: payload}})
}

// onPublish confirms broker delivery of an outbound packet.
func (c *Client) onPublish(mid uint16) {
	c.sendMu.Lock()
	topic, ok := c.tracker.popMid(mid)
	c.sendMu.Unlock()
	if ok {
		c.log.Debugf("MQTT sent %s", topic)
	}
}

func (c *Client) handleMessage(m *message) error {
	switch {
	case strings.HasPrefix(m.topic, "notify/"):
		return c.handleNotify(strings.TrimPrefix(m.topic, "notify/"), m.payload)
	case strings.HasPrefix(m.topic, "reply/"):
		return c.handleReply(strings.TrimPrefix(m.topic, "reply/"), m.payload)
	default:
		return status.Errorf(status.NotSupported, "unexpected topic %s", m.topic)
	}
}

// handleReply matches each per-command reply to its tracked request and
// resumes whatever the request started.
func (c *Client) handleReply(topic string, payload []byte) error {
	replies, err := tr50.DecodeReplies(payload)
	if err != nil {
		return status.Errorf(status.ParseError, "reply on %s: %v", topic, err)
	}

	indices := make([]int, 0, len(replies))
	for i := range replies {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	for _, i := range indices {
		r := replies[i]
		c.sendMu.Lock()
		sent, ok := c.tracker.pop(topic, i)
		c.sendMu.Unlock()
		if !ok {
			c.log.Errorf("Received reply for unknown request %s-%d", topic, i)
			continue
		}
		if r.Success {
			c.log.Infof("Received success for %s-%d - %s", topic, i, sent.desc)
		} else {
			c.log.Errorf("Received failure for %s-%d - %s %v %v",
				topic, i, sent.desc, r.ErrorCodes, r.ErrorMessages)
		}

		switch sent.cmd.Name {
		case tr50.CmdFileGet:
			c.fileGetReply(sent, r)
		case tr50.CmdFilePut:
			c.filePutReply(sent, r)
		case tr50.CmdMailboxCheck:
			c.mailboxReply(r)
		case tr50.CmdDiagTime:
			if ms, ok := r.ParamNumber("time"); ok {
				c.log.Infof("Cloud time is %s",
					time.UnixMilli(int64(ms)).UTC().Format(tr50.TimeFormat))
			}
		case tr50.CmdDiagPing:
			if r.Success {
				c.log.Info("Connection okay")
			}
		}
	}
	return nil
}
