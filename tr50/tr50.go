// Package tr50 builds and parses the JSON commands the cloud speaks.
//
// Every outbound request is a batch of numbered commands:
//
//	{"1":{"command":"property.publish","params":{...}},"2":{...}}
//
// and every reply on the matching reply topic is a map keyed by the same
// 1-based command position.
package tr50

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Command opcodes emitted by the client.
const (
	CmdAlarmPublish     = "alarm.publish"
	CmdAttributePublish = "attribute.publish"
	CmdDiagPing         = "diag.ping"
	CmdDiagTime         = "diag.time"
	CmdFileGet          = "file.get"
	CmdFilePut          = "file.put"
	CmdLocationPublish  = "location.publish"
	CmdLogPublish       = "log.publish"
	CmdMailboxAck       = "mailbox.ack"
	CmdMailboxCheck     = "mailbox.check"
	CmdMailboxUpdate    = "mailbox.update"
	CmdPropertyPublish  = "property.publish"
)

// TimeFormat is the UTC timestamp layout the cloud accepts.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Timestamp renders t in the cloud's timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Command is a single wire command.
type Command struct {
	Name   string                 `json:"command"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type params map[string]interface{}

// set records a value, skipping empty strings so that unset optional
// parameters stay off the wire.
func (p params) set(key string, v interface{}) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return
		}
	case nil:
		return
	}
	p[key] = v
}

func (p params) setFloat(key string, v *float64) {
	if v != nil {
		p[key] = *v
	}
}

// AlarmPublish builds an alarm.publish command.
func AlarmPublish(thingKey, key string, state int, message string, ts time.Time) Command {
	p := params{"thingKey": thingKey, "key": key, "state": state, "ts": Timestamp(ts)}
	p.set("msg", message)
	return Command{Name: CmdAlarmPublish, Params: p}
}

// AttributePublish builds an attribute.publish command for a string value.
func AttributePublish(thingKey, key, value string, ts time.Time) Command {
	return Command{Name: CmdAttributePublish, Params: params{
		"thingKey": thingKey, "key": key, "value": value, "ts": Timestamp(ts),
	}}
}

// PropertyPublish builds a property.publish command for a numeric value.
func PropertyPublish(thingKey, key string, value float64, ts time.Time) Command {
	return Command{Name: CmdPropertyPublish, Params: params{
		"thingKey": thingKey, "key": key, "value": value, "ts": Timestamp(ts),
	}}
}

// LocationOptions are the optional location.publish parameters.
type LocationOptions struct {
	Heading     *float64
	Altitude    *float64
	Speed       *float64
	FixAccuracy *float64
	FixType     string
}

// LocationPublish builds a location.publish command.
func LocationPublish(thingKey string, lat, lng float64, opt *LocationOptions, ts time.Time) Command {
	p := params{"thingKey": thingKey, "lat": lat, "lng": lng, "ts": Timestamp(ts)}
	if opt != nil {
		p.setFloat("heading", opt.Heading)
		p.setFloat("altitude", opt.Altitude)
		p.setFloat("speed", opt.Speed)
		p.setFloat("fixAcc", opt.FixAccuracy)
		p.set("fixType", opt.FixType)
	}
	return Command{Name: CmdLocationPublish, Params: p}
}

// LogPublish builds a log.publish command.
func LogPublish(thingKey, message string, ts time.Time) Command {
	return Command{Name: CmdLogPublish, Params: params{
		"thingKey": thingKey, "msg": message, "ts": Timestamp(ts),
	}}
}

// FileGet builds a file.get command requesting a download identifier.
func FileGet(thingKey, fileName string, global bool) Command {
	return Command{Name: CmdFileGet, Params: params{
		"thingKey": thingKey, "fileName": fileName, "global": global,
	}}
}

// FilePut builds a file.put command announcing an upload. The checksum is
// the CRC-32 of the local file, computed before the request is sent.
func FilePut(thingKey, fileName string, crc uint32, global bool) Command {
	return Command{Name: CmdFilePut, Params: params{
		"thingKey": thingKey, "fileName": fileName, "public": false,
		"crc32": crc, "global": global,
	}}
}

// MailboxCheck builds a mailbox.check command.
func MailboxCheck(autoComplete bool) Command {
	return Command{Name: CmdMailboxCheck, Params: params{"autoComplete": autoComplete}}
}

// MailboxAck builds the terminal acknowledgement for a mailbox request.
func MailboxAck(mailID string, errorCode int, errorMessage string, out map[string]interface{}) Command {
	p := params{"id": mailID, "errorCode": errorCode}
	p.set("errorMessage", errorMessage)
	if len(out) > 0 {
		p["params"] = out
	}
	return Command{Name: CmdMailboxAck, Params: p}
}

// MailboxUpdate builds a non-terminal progress update for a mailbox request.
func MailboxUpdate(mailID, message string) Command {
	p := params{"id": mailID}
	p.set("msg", message)
	return Command{Name: CmdMailboxUpdate, Params: p}
}

// DiagPing builds a diag.ping command.
func DiagPing() Command {
	return Command{Name: CmdDiagPing}
}

// DiagTime builds a diag.time command.
func DiagTime() Command {
	return Command{Name: CmdDiagTime}
}

// EncodeBatch encodes commands as a single request document keyed by
// 1-based position.
func EncodeBatch(cmds []Command) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cmd := range cmds {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%q:", strconv.Itoa(i+1))
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Reply is one per-command reply inside a reply document.
type Reply struct {
	Success       bool                   `json:"success"`
	Params        map[string]interface{} `json:"params,omitempty"`
	ErrorCodes    []int                  `json:"errorCodes,omitempty"`
	ErrorMessages []string               `json:"errorMessages,omitempty"`
}

// HasErrorCode reports whether the reply carries the given cloud error code.
func (r *Reply) HasErrorCode(code int) bool {
	for _, c := range r.ErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// ParamString returns a string parameter from the reply, or "".
func (r *Reply) ParamString(key string) string {
	if v, ok := r.Params[key].(string); ok {
		return v
	}
	return ""
}

// ParamNumber returns a numeric parameter from the reply.
func (r *Reply) ParamNumber(key string) (float64, bool) {
	v, ok := r.Params[key].(float64)
	return v, ok
}

// DecodeReplies parses a reply document into per-command replies keyed by
// their 1-based position.
func DecodeReplies(b []byte) (map[int]*Reply, error) {
	var raw map[string]*Reply
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	replies := make(map[int]*Reply, len(raw))
	for k, r := range raw {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("tr50: bad reply index %q", k)
		}
		replies[n] = r
	}
	return replies, nil
}
