package thing

import (
	"testing"

	"github.com/wrlabs/devicecloud/tr50"
)

func TestPublishFlushBatchesInOrder(t *testing.T) {
	c, tr := newTestClient(t)
	heading := 180.0
	c.PublishTelemetry("temp", 21.5)
	c.PublishAttribute("fw", "1.2.3")
	c.PublishLocation(Location{Latitude: 52.1, Longitude: 4.3, Heading: &heading})
	c.PublishEvent("boot complete")
	c.PublishTelemetry("humidity", 40)

	if err := c.handlePublish(); err != nil {
		t.Fatal(err)
	}

	sent := tr.sent()
	if len(sent) != 1 {
		t.Fatalf("published %d frames, want one batch", len(sent))
	}
	if sent[0].topic != "api/0001" {
		t.Errorf("topic = %q", sent[0].topic)
	}

	doc := decodeBatch(t, sent[0].payload)
	if len(doc) != 5 {
		t.Fatalf("batched %d commands, want 5", len(doc))
	}
	want := []string{
		tr50.CmdPropertyPublish,
		tr50.CmdAttributePublish,
		tr50.CmdLocationPublish,
		tr50.CmdLogPublish,
		tr50.CmdPropertyPublish,
	}
	for i, cmd := range want {
		key := string(rune('1' + i))
		if doc[key].Command != cmd {
			t.Errorf("command %s = %q, want %q", key, doc[key].Command, cmd)
		}
	}
	if doc["1"].Params["key"] != "temp" || doc["5"].Params["key"] != "humidity" {
		t.Error("queue order not preserved in the batch")
	}
	if doc["3"].Params["heading"] != 180.0 {
		t.Errorf("heading = %v", doc["3"].Params["heading"])
	}

	if c.trackerLen() != 5 {
		t.Errorf("tracked = %d", c.trackerLen())
	}
	if c.pubq.len() != 0 {
		t.Errorf("publish queue not drained: %d", c.pubq.len())
	}
}

func TestPublishAlarmRequestsImmediateFlush(t *testing.T) {
	c, tr := newTestClient(t)
	c.PublishAlarm("overheat", 1, "too hot")

	w, ok := c.workq.tryPop()
	if !ok || w.kind != workPublish {
		t.Fatalf("alarm did not queue a flush: %+v %v", w, ok)
	}
	c.dispatch(w)

	sent := tr.sent()
	if len(sent) != 1 {
		t.Fatalf("published %d frames", len(sent))
	}
	doc := decodeBatch(t, sent[0].payload)
	if doc["1"].Command != tr50.CmdAlarmPublish {
		t.Errorf("command = %q", doc["1"].Command)
	}
	if doc["1"].Params["state"] != 1.0 || doc["1"].Params["msg"] != "too hot" {
		t.Errorf("alarm params = %v", doc["1"].Params)
	}
}

func TestHandlePublishEmptyQueue(t *testing.T) {
	c, tr := newTestClient(t)
	if err := c.handlePublish(); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent()) != 0 {
		t.Error("empty flush must not publish")
	}
}
