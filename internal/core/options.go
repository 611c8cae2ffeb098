package core

import "time"

const (
	defaultCommandTimeout = 30 * time.Second
	defaultAbortTimeout   = 10 * time.Second
)

type options struct {
	logger         Logger
	clock          Clock
	metrics        MetricsRecorder
	tracer         Tracer
	notifier       Notifier
	commandTimeout time.Duration
	abortTimeout   time.Duration
	store          QueueStore
	archive        QueueArchive
	creator        TaskCreator
}

func defaultOptions() options {
	return options{
		logger:         noopLogger{},
		clock:          systemClock{},
		metrics:        noopMetrics{},
		tracer:         noopTracer{},
		commandTimeout: defaultCommandTimeout,
		abortTimeout:   defaultAbortTimeout,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.notifier == nil {
		o.notifier = NewNotificationLog(o.logger, o.clock, defaultNotificationCapacity)
	}
	return o
}

// Option customizes a Service or one of its components.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetricsRecorder installs a command metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(o *options) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer installs a tracer for device-server commands.
func WithTracer(tracer Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithNotifier sets the single sink receiving every user-visible failure.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithCommandTimeout bounds every device-server command.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// WithAbortTimeout bounds how long an abort waits for a confirmation before
// the attribute is marked stale.
func WithAbortTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.abortTimeout = d
		}
	}
}

// WithQueueStore enables queue snapshot persistence.
func WithQueueStore(store QueueStore) Option {
	return func(o *options) { o.store = store }
}

// WithArchive enables named queue exports.
func WithArchive(archive QueueArchive) Option {
	return func(o *options) { o.archive = archive }
}

// WithTaskCreator sets the handler receiving composite task requests.
func WithTaskCreator(c TaskCreator) Option {
	return func(o *options) { o.creator = c }
}
