package tr50

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestamp(t *testing.T) {
	ts := time.Date(2023, 5, 17, 9, 30, 1, 250000000, time.UTC)
	if got := Timestamp(ts); got != "2023-05-17T09:30:01.250000Z" {
		t.Errorf("Timestamp() = %q", got)
	}
}

func TestEncodeBatch(t *testing.T) {
	ts := time.Date(2023, 5, 17, 9, 30, 1, 0, time.UTC)
	b, err := EncodeBatch([]Command{
		PropertyPublish("dev-app", "temp", 21.5, ts),
		AttributePublish("dev-app", "fw", "1.2.3", ts),
		DiagPing(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]struct {
		Command string                 `json:"command"`
		Params  map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc) != 3 {
		t.Fatalf("encoded %d commands, want 3", len(doc))
	}
	if doc["1"].Command != CmdPropertyPublish {
		t.Errorf("command 1 = %q", doc["1"].Command)
	}
	if doc["2"].Command != CmdAttributePublish {
		t.Errorf("command 2 = %q", doc["2"].Command)
	}
	if doc["3"].Command != CmdDiagPing {
		t.Errorf("command 3 = %q", doc["3"].Command)
	}
	if v := doc["1"].Params["value"]; v != 21.5 {
		t.Errorf("property value = %v", v)
	}
	if v := doc["1"].Params["thingKey"]; v != "dev-app" {
		t.Errorf("thingKey = %v", v)
	}
	if v := doc["1"].Params["ts"]; v != "2023-05-17T09:30:01.000000Z" {
		t.Errorf("ts = %v", v)
	}
}

func TestAlarmPublishOmitsEmptyMessage(t *testing.T) {
	cmd := AlarmPublish("k", "overheat", 1, "", time.Now())
	if _, ok := cmd.Params["msg"]; ok {
		t.Error("empty alarm message must stay off the wire")
	}
	cmd = AlarmPublish("k", "overheat", 1, "too hot", time.Now())
	if cmd.Params["msg"] != "too hot" {
		t.Errorf("msg = %v", cmd.Params["msg"])
	}
}

func TestLocationPublishOptionals(t *testing.T) {
	heading := 90.0
	cmd := LocationPublish("k", 52.1, 4.3, &LocationOptions{Heading: &heading}, time.Now())
	if cmd.Params["heading"] != 90.0 {
		t.Errorf("heading = %v", cmd.Params["heading"])
	}
	for _, absent := range []string{"altitude", "speed", "fixAcc", "fixType"} {
		if _, ok := cmd.Params[absent]; ok {
			t.Errorf("unset optional %q must stay off the wire", absent)
		}
	}
	if cmd.Params["lat"] != 52.1 || cmd.Params["lng"] != 4.3 {
		t.Errorf("lat/lng = %v/%v", cmd.Params["lat"], cmd.Params["lng"])
	}
}

func TestFilePut(t *testing.T) {
	cmd := FilePut("k", "report.txt", 0xcafe, true)
	if cmd.Params["public"] != false {
		t.Error("file.put must always carry public=false")
	}
	if cmd.Params["crc32"] != uint32(0xcafe) {
		t.Errorf("crc32 = %v", cmd.Params["crc32"])
	}
	if cmd.Params["global"] != true {
		t.Errorf("global = %v", cmd.Params["global"])
	}
}

func TestMailboxCommands(t *testing.T) {
	cmd := MailboxCheck(false)
	if cmd.Params["autoComplete"] != false {
		t.Errorf("autoComplete = %v", cmd.Params["autoComplete"])
	}

	cmd = MailboxAck("m1", 0, "ok", nil)
	if cmd.Params["id"] != "m1" || cmd.Params["errorCode"] != 0 {
		t.Errorf("ack params = %v", cmd.Params)
	}
	if _, ok := cmd.Params["params"]; ok {
		t.Error("empty ack params must stay off the wire")
	}

	cmd = MailboxAck("m1", 12, "", map[string]interface{}{"out": 1})
	if _, ok := cmd.Params["errorMessage"]; ok {
		t.Error("empty errorMessage must stay off the wire")
	}
	if _, ok := cmd.Params["params"]; !ok {
		t.Error("ack output params missing")
	}

	cmd = MailboxUpdate("m1", "Invoked")
	if cmd.Name != CmdMailboxUpdate || cmd.Params["msg"] != "Invoked" {
		t.Errorf("update = %v %v", cmd.Name, cmd.Params)
	}
}

func TestDecodeReplies(t *testing.T) {
	payload := []byte(`{
		"1": {"success": true, "params": {"fileId": "abc", "crc32": 123}},
		"2": {"success": false, "errorCodes": [-90008], "errorMessages": ["not found"]}
	}`)
	replies, err := DecodeReplies(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 2 {
		t.Fatalf("decoded %d replies, want 2", len(replies))
	}
	r := replies[1]
	if !r.Success || r.ParamString("fileId") != "abc" {
		t.Errorf("reply 1 = %+v", r)
	}
	if crc, ok := r.ParamNumber("crc32"); !ok || crc != 123 {
		t.Errorf("crc32 = %v %v", crc, ok)
	}
	r = replies[2]
	if r.Success || !r.HasErrorCode(-90008) || r.HasErrorCode(-1) {
		t.Errorf("reply 2 = %+v", r)
	}

	if _, err := DecodeReplies([]byte(`{"zero": {}}`)); err == nil {
		t.Error("non-numeric reply index must fail")
	}
	if _, err := DecodeReplies([]byte(`not json`)); err == nil {
		t.Error("malformed reply must fail")
	}
}
