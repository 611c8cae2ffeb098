package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"beamlinecore/pkg/domain"
)

type dispatchHandler func(ctx context.Context, cmd domain.Command) (domain.Response, error)

// scriptedDispatcher records every command and answers from per-operation
// handlers. Unscripted operations are rejected with status 501.
type scriptedDispatcher struct {
	mu       sync.Mutex
	calls    []domain.Command
	handlers map[string]dispatchHandler
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{handlers: make(map[string]dispatchHandler)}
}

func (d *scriptedDispatcher) on(op string, h dispatchHandler) *scriptedDispatcher {
	d.mu.Lock()
	d.handlers[op] = h
	d.mu.Unlock()
	return d
}

func (d *scriptedDispatcher) respond(op string, resp domain.Response, err error) *scriptedDispatcher {
	return d.on(op, func(context.Context, domain.Command) (domain.Response, error) { return resp, err })
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, cmd domain.Command) (domain.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cmd)
	h := d.handlers[cmd.Operation]
	d.mu.Unlock()
	if h == nil {
		return domain.Response{OK: false, Status: 501, Message: "unscripted " + cmd.Operation}, nil
	}
	return h(ctx, cmd)
}

func (d *scriptedDispatcher) commands() []domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Command(nil), d.calls...)
}

func (d *scriptedDispatcher) count(op string) int {
	n := 0
	for _, c := range d.commands() {
		if c.Operation == op {
			n++
		}
	}
	return n
}

func okResponse(payload string) domain.Response {
	resp := domain.Response{OK: true, Status: 200}
	if payload != "" {
		resp.Payload = json.RawMessage(payload)
	}
	return resp
}

func rejectedResponse(status int, msg string) domain.Response {
	return domain.Response{OK: false, Status: status, Message: msg}
}

type captureNotifier struct {
	mu      sync.Mutex
	entries []Notification
}

func (c *captureNotifier) Notify(_ context.Context, n Notification) {
	c.mu.Lock()
	c.entries = append(c.entries, n)
	c.mu.Unlock()
}

func (c *captureNotifier) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.entries...)
}

func (c *captureNotifier) has(op string, sev Severity) bool {
	for _, n := range c.all() {
		if n.Operation == op && n.Severity == sev {
			return true
		}
	}
	return false
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

const attributesPayload = `{"attributes":[
	{"name":"energy","value":12.7,"state":"READY","commands":[{"name":"set"}]},
	{"name":"transmission","value":100,"state":"READY"},
	{"name":"flux","value":1e12,"state":"READY","readonly":true}
]}`

const contentsPayload = `{"name":"SC","id":7,"children":[
	{"name":"1","status":"Present","children":[
		{"name":"1:01","id":"ABC1","status":"Present"},
		{"name":"1:02","id":"ABC2","status":"Present"}
	]},
	{"name":"2","children":[]}
]}`

const contentsAfterMountPayload = `{"name":"SC","id":7,"children":[
	{"name":"1","status":"Present","children":[
		{"name":"1:01","id":"ABC1","status":"Loaded"},
		{"name":"1:02","id":"ABC2","status":"Present"}
	]},
	{"name":"2","children":[]}
]}`

func waitFor(t interface {
	Helper()
	Fatalf(string, ...any)
}, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
