package thing

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/tr50"
)

// ActionResult is what an action handler returns. Params, when set, are
// passed back to the requester in the acknowledgement.
type ActionResult struct {
	Status  status.Status
	Message string
	Params  map[string]interface{}
}

// ActionFunc handles a remote action invocation.
type ActionFunc func(c *Client, params map[string]interface{}, userData interface{}) ActionResult

// ActionRequestFunc additionally receives the request so the handler can
// send progress updates or defer the acknowledgement.
type ActionRequestFunc func(c *Client, req *ActionRequest, params map[string]interface{}, userData interface{}) ActionResult

// ActionRequest identifies one pending mailbox invocation.
type ActionRequest struct {
	MailID string
	Name   string
	Params map[string]interface{}
}

type action struct {
	name     string
	fn       ActionFunc
	reqFn    ActionRequestFunc
	argv     []string
	userData interface{}
}

type actionRegistry struct {
	mu sync.RWMutex
	m  map[string]*action
}

func newActionRegistry() *actionRegistry {
	return &actionRegistry{m: make(map[string]*action)}
}

func (r *actionRegistry) register(a *action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[a.name]; ok {
		return status.Errorf(status.Exists, "action %q is already registered", a.name)
	}
	r.m[a.name] = a
	return nil
}

func (r *actionRegistry) deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; !ok {
		return status.Errorf(status.NotFound, "action %q is not registered", name)
	}
	delete(r.m, name)
	return nil
}

func (r *actionRegistry) lookup(name string) (*action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[name]
	return a, ok
}

// RegisterCallback routes invocations of name to fn. Registering a name
// twice fails.
func (c *Client) RegisterCallback(name string, fn ActionFunc, userData interface{}) error {
	if name == "" || fn == nil {
		return status.Errorf(status.BadParameter, "action name and callback are required")
	}
	return c.actions.register(&action{name: name, fn: fn, userData: userData})
}

// RegisterCallbackWithRequest routes invocations of name to a handler
// that also receives the request itself.
func (c *Client) RegisterCallbackWithRequest(name string, fn ActionRequestFunc, userData interface{}) error {
	if name == "" || fn == nil {
		return status.Errorf(status.BadParameter, "action name and callback are required")
	}
	return c.actions.register(&action{name: name, reqFn: fn, userData: userData})
}

// RegisterCommand routes invocations of name to a local executable. The
// request parameters are appended as long-form flags.
func (c *Client) RegisterCommand(name string, argv []string) error {
	if name == "" || len(argv) == 0 {
		return status.Errorf(status.BadParameter, "action name and command are required")
	}
	return c.actions.register(&action{name: name, argv: argv})
}

// Deregister removes a previously registered action.
func (c *Client) Deregister(name string) error {
	return c.actions.deregister(name)
}

// execute runs the registered handler, converting a panic into an error.
func (a *action) execute(c *Client, req *ActionRequest) (res ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %q panic: %v", a.name, r)
		}
	}()
	switch {
	case a.fn != nil:
		return a.fn(c, req.Params, a.userData), nil
	case a.reqFn != nil:
		return a.reqFn(c, req, req.Params, a.userData), nil
	default:
		return a.runCommand(req.Params), nil
	}
}

// runCommand invokes the executable with the request parameters rendered
// as flags in sorted key order. Boolean true becomes a bare flag, false
// is omitted, everything else is --key=value.
func (a *action) runCommand(params map[string]interface{}) ActionResult {
	argv := append([]string(nil), a.argv...)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case bool:
			if v {
				argv = append(argv, "--"+k)
			}
		default:
			argv = append(argv, fmt.Sprintf("--%s=%v", k, v))
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	code := 0
	if err != nil {
		code = int(status.ExecutionError)
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	st := status.Status(code)
	if !st.Valid() {
		st = status.ExecutionError
	}
	return ActionResult{
		Status: st,
		Message: fmt.Sprintf("command: %s , stdout: %s , stderr: %s",
			argv[0], stdout.String(), stderr.String()),
	}
}

// handleAction executes one mailbox invocation and acknowledges it. An
// Invoked result sends a progress update instead of the terminal
// acknowledgement, leaving completion to the handler.
func (c *Client) handleAction(req *ActionRequest) error {
	var res ActionResult
	a, ok := c.actions.lookup(req.Name)
	if !ok {
		res = ActionResult{
			Status:  status.NotFound,
			Message: fmt.Sprintf("action %q is not registered", req.Name),
		}
	} else {
		var err error
		res, err = a.execute(c, req)
		if err != nil {
			res = ActionResult{Status: status.Failure, Message: "ERROR: " + err.Error()}
		} else if !res.Status.Valid() {
			res = ActionResult{
				Status:  status.BadParameter,
				Message: fmt.Sprintf("Invalid return status: %d", int(res.Status)),
			}
		}
	}

	var cmd tr50.Command
	if res.Status == status.Invoked {
		cmd = tr50.MailboxUpdate(req.MailID, "Invoked")
	} else {
		cmd = tr50.MailboxAck(req.MailID, res.Status.CloudCode(), res.Message, res.Params)
	}
	desc := fmt.Sprintf("Action Complete %q result: %d(%s) %s",
		req.Name, res.Status.CloudCode(), res.Status, res.Message)
	return c.send(&outMessage{cmd: cmd, desc: desc})
}
