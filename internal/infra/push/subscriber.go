// Package push subscribes to the device server's event stream and feeds
// confirmed state into the core owners.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"beamlinecore/internal/core"
	"beamlinecore/pkg/domain"
)

// Event names sent by the device server.
const (
	EventValueChange    = "beamline_value_change"
	EventRobotState     = "sc_state"
	EventContentsUpdate = "sc_contents_update"
	EventTask           = "task"
)

const opPush = "push"

// AttributeSink receives confirmed attribute values.
type AttributeSink interface {
	ApplyPush(attr domain.MovableAttribute) error
}

// SampleChangerSink receives robot state and content change signals.
type SampleChangerSink interface {
	ApplyState(state string)
	Refresh(ctx context.Context) error
}

// TaskSink receives execution state written by the execution engine.
type TaskSink interface {
	UpdateExecution(queueID int64, state domain.TaskState, progress float64) error
}

// Targets are the owners events are routed to. Nil targets drop their events.
type Targets struct {
	Attributes    AttributeSink
	SampleChanger SampleChangerSink
	Queue         TaskSink
}

// ServiceTargets routes events to the owners held by svc.
func ServiceTargets(svc *core.Service) Targets {
	return Targets{
		Attributes:    svc.Attributes(),
		SampleChanger: svc.SampleChanger(),
		Queue:         svc.Queue(),
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Subscriber keeps a websocket connection to the device server open and
// applies every event it receives.
type Subscriber struct {
	url      string
	targets  Targets
	dialer   *websocket.Dialer
	header   http.Header
	logger   core.Logger
	notifier core.Notifier
	clock    core.Clock
	minWait  time.Duration
	maxWait  time.Duration
	applied  atomic.Int64
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the structured logger.
func WithLogger(l core.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier routes malformed events to the notification sink.
func WithNotifier(n core.Notifier) Option {
	return func(s *Subscriber) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source used to stamp notifications.
func WithClock(c core.Clock) Option {
	return func(s *Subscriber) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(minWait, maxWait time.Duration) Option {
	return func(s *Subscriber) {
		if minWait > 0 && maxWait >= minWait {
			s.minWait, s.maxWait = minWait, maxWait
		}
	}
}

// WithHeader adds request headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(s *Subscriber) { s.header = h.Clone() }
}

// New returns a subscriber for the ws:// or wss:// url.
func New(url string, targets Targets, opts ...Option) (*Subscriber, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("push url %q must be ws or wss", url)
	}
	s := &Subscriber{
		url:      url,
		targets:  targets,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   discardLogger{},
		notifier: discardNotifier{},
		clock:    wallClock{},
		minWait:  500 * time.Millisecond,
		maxWait:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Applied reports how many events were applied successfully.
func (s *Subscriber) Applied() int64 { return s.applied.Load() }

// Run connects and reconnects until ctx is cancelled, then returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	wait := s.minWait
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			wait = s.minWait
		}
		s.logger.Warn("push connection lost", "url", s.url, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > s.maxWait {
			wait = s.maxWait
		}
	}
}

// session serves one connection. It reports whether the handshake succeeded.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, err
	}
	s.logger.Info("push connected", "url", s.url)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := s.Handle(ctx, message); err != nil {
			s.logger.Debug("push event not applied", "error", err)
		}
	}
}

// Handle applies one raw event. Unknown events are ignored; malformed
// payloads and rejected updates are reported and returned.
func (s *Subscriber) Handle(ctx context.Context, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return s.report(ctx, "", fmt.Errorf("%w: push envelope: %v", domain.ErrMalformedPayload, err))
	}
	var err error
	switch env.Event {
	case EventValueChange:
		err = s.valueChange(env.Data)
	case EventRobotState:
		err = s.robotState(env.Data)
	case EventContentsUpdate:
		if s.targets.SampleChanger == nil {
			return nil
		}
		// Refresh reports its own failures.
		if rerr := s.targets.SampleChanger.Refresh(ctx); rerr != nil {
			return rerr
		}
	case EventTask:
		err = s.task(env.Data)
	default:
		s.logger.Debug("push event ignored", "event", env.Event)
		return nil
	}
	if err != nil {
		return s.report(ctx, env.Event, err)
	}
	s.applied.Add(1)
	return nil
}

func (s *Subscriber) valueChange(data json.RawMessage) error {
	if s.targets.Attributes == nil {
		return nil
	}
	attr, err := domain.DecodeAttribute(data)
	if err != nil {
		return err
	}
	return s.targets.Attributes.ApplyPush(attr)
}

func (s *Subscriber) robotState(data json.RawMessage) error {
	if s.targets.SampleChanger == nil {
		return nil
	}
	var state string
	if err := json.Unmarshal(data, &state); err != nil {
		var wrapped struct {
			State *string `json:"state"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.State == nil {
			return fmt.Errorf("%w: robot state %s", domain.ErrMalformedPayload, data)
		}
		state = *wrapped.State
	}
	s.targets.SampleChanger.ApplyState(state)
	return nil
}

var taskStateAliases = map[string]domain.TaskState{
	"READY":       domain.TaskPending,
	"UNCOLLECTED": domain.TaskPending,
	"COLLECTED":   domain.TaskCompleted,
}

func (s *Subscriber) task(data json.RawMessage) error {
	if s.targets.Queue == nil {
		return nil
	}
	var msg struct {
		QueueID  *int64  `json:"queueID"`
		State    string  `json:"state"`
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: task event: %v", domain.ErrMalformedPayload, err)
	}
	if msg.QueueID == nil {
		return fmt.Errorf("%w: task event without queueID", domain.ErrMalformedPayload)
	}
	state, ok := taskStateAliases[strings.ToUpper(msg.State)]
	if !ok {
		parsed, err := domain.ParseTaskState(strings.ToUpper(msg.State))
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		state = parsed
	}
	return s.targets.Queue.UpdateExecution(*msg.QueueID, state, msg.Progress)
}

func (s *Subscriber) report(ctx context.Context, event string, err error) error {
	op := opPush
	if event != "" {
		op = opPush + ":" + event
	}
	sev := core.SeverityWarning
	if errors.Is(err, domain.ErrMalformedPayload) {
		sev = core.SeverityError
	}
	s.notifier.Notify(ctx, core.Notification{Severity: sev, Operation: op, Message: err.Error(), At: s.clock.Now()})
	return err
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, core.Notification) {}
