package thing

import (
	"gopkg.in/tomb.v2"
)

type workKind int

const (
	workMessage workKind = iota
	workPublish
	workAction
	workDownload
	workUpload
)

// message is an inbound broker message handed to the worker pool.
type message struct {
	topic   string
	payload []byte
}

// work is one unit handed to the worker pool. Exactly one of the
// pointer fields is set depending on kind.
type work struct {
	kind     workKind
	msg      *message
	action   *ActionRequest
	transfer *FileTransfer
}

// workLoop is one worker. Workers block on the queue with the loop tick
// as the wakeup interval so they notice the session dying promptly.
func (c *Client) workLoop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}
		w, ok := c.workq.pop(c.cfg.LoopTick(), t.Dying())
		if !ok {
			continue
		}
		c.dispatch(w)
	}
}

func (c *Client) dispatch(w work) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("worker panic: %v", r)
		}
	}()

	var err error
	switch w.kind {
	case workMessage:
		err = c.handleMessage(w.msg)
	case workPublish:
		err = c.handlePublish()
	case workAction:
		err = c.handleAction(w.action)
	case workDownload:
		err = c.handleFileDownload(w.transfer)
	case workUpload:
		err = c.handleFileUpload(w.transfer)
	}
	if err != nil {
		c.log.Errorf("worker: %v", err)
	}
}
