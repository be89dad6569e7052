package thing

import (
	"fmt"
	"time"

	"github.com/wrlabs/devicecloud/tr50"
)

// outMessage is one outbound command awaiting its reply.
type outMessage struct {
	cmd  tr50.Command
	desc string
	ts   time.Time
	id   string // correlation key "TTTT-N"

	// transfer is attached to file.get/file.put requests so the reply
	// handler can resume the transfer.
	transfer *FileTransfer
}

func (m *outMessage) String() string {
	return m.desc
}

// tracker correlates outbound requests with their replies. It is guarded
// by the client's send lock; the topic counter never repeats within a
// session.
type tracker struct {
	messages map[string]*outMessage
	order    []string
	mids     map[uint16]string
	next     int
}

func newTracker() *tracker {
	return &tracker{
		messages: make(map[string]*outMessage),
		mids:     make(map[uint16]string),
		next:     1,
	}
}

// nextTopic returns the next unused zero-padded topic counter.
func (t *tracker) nextTopic() string {
	num := fmt.Sprintf("%04d", t.next)
	t.next++
	return num
}

func (t *tracker) add(m *outMessage) {
	t.messages[m.id] = m
	t.order = append(t.order, m.id)
}

func (t *tracker) addMid(mid uint16, topic string) {
	t.mids[mid] = topic
}

func (t *tracker) popMid(mid uint16) (string, bool) {
	topic, ok := t.mids[mid]
	if ok {
		delete(t.mids, mid)
	}
	return topic, ok
}

// pop consumes the request tracked under topic and 1-based command index.
func (t *tracker) pop(topic string, index int) (*outMessage, bool) {
	id := fmt.Sprintf("%s-%d", topic, index)
	m, ok := t.messages[id]
	if !ok {
		return nil, false
	}
	delete(t.messages, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return m, true
}

func (t *tracker) len() int {
	return len(t.messages)
}

// pending returns the tracked requests in insertion order.
func (t *tracker) pending() []*outMessage {
	out := make([]*outMessage, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.messages[id])
	}
	return out
}
