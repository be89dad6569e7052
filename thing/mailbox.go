package thing

import (
	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/tr50"
)

// handleNotify reacts to cloud notifications. Mailbox activity triggers a
// check; nothing else is expected on the notify topics.
func (c *Client) handleNotify(event string, _ []byte) error {
	if event != "mailbox_activity" {
		return status.Errorf(status.NotSupported, "unexpected notification %s", event)
	}
	c.log.Info("Mailbox activity detected")
	return c.checkMailbox()
}

// checkMailbox asks for the pending mailbox messages. Completion is never
// automatic; every message is acknowledged after its action runs.
func (c *Client) checkMailbox() error {
	return c.send(&outMessage{cmd: tr50.MailboxCheck(false), desc: "Mailbox Check"})
}

// mailboxReply queues an action for every method execution found in the
// mailbox, in the order the cloud listed them.
func (c *Client) mailboxReply(r *tr50.Reply) {
	if !r.Success {
		return
	}
	msgs, ok := r.Params["messages"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range msgs {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if cmd, _ := m["command"].(string); cmd != "method.exec" {
			continue
		}
		id, _ := m["id"].(string)
		params, _ := m["params"].(map[string]interface{})
		name, _ := params["method"].(string)
		args, _ := params["params"].(map[string]interface{})
		if id == "" || name == "" {
			c.log.Errorf("Mailbox message missing id or method")
			continue
		}
		c.log.Infof("Mailbox action %q (%s)", name, id)
		c.workq.push(work{kind: workAction, action: &ActionRequest{
			MailID: id,
			Name:   name,
			Params: args,
		}})
	}
}
