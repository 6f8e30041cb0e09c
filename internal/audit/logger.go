package audit

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
)

const redactedValue = "[REDACTED]"

// sensitiveKeys are detail keys whose values never reach the audit log.
var sensitiveKeys = []string{"password", "secret", "token", "authorization", "cookie"}

// Logger records audit events.
type Logger interface {
	Log(ctx context.Context, event *Event)
	Close() error
}

// Metrics counts audit events by type.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics registers the audit counter with registerer. Every event
// type is pre-populated so the series exist from startup.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events",
			},
			[]string{"type"},
		),
	}
	if registerer != nil {
		_ = registerer.Register(m.eventsTotal)
	}
	for _, t := range EventTypes {
		m.eventsTotal.WithLabelValues(string(t))
	}
	return m
}

// Record counts one event.
func (m *Metrics) Record(t EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

type logger struct {
	zap     *zap.Logger
	metrics *Metrics
	closer  io.Closer
	log     observability.Logger
	mu      sync.Mutex
	closed  bool
}

// Option configures the audit logger.
type Option func(*logger)

// WithMetrics sets the event counter.
func WithMetrics(m *Metrics) Option {
	return func(l *logger) {
		l.metrics = m
	}
}

// WithErrorLogger sets where write failures are reported.
func WithErrorLogger(log observability.Logger) Option {
	return func(l *logger) {
		l.log = log
	}
}

// NewLogger creates an audit logger writing JSON lines to cfg.Output
// (stdout, stderr or a file path). A disabled configuration yields a
// no-op logger.
func NewLogger(cfg config.AuditConfig, opts ...Option) (Logger, error) {
	if !cfg.Enabled {
		return NewNoopLogger(), nil
	}

	var (
		sink   zapcore.WriteSyncer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		ws, closeFn, err := zap.Open(cfg.Output)
		if err != nil {
			return nil, err
		}
		sink = ws
		closer = closerFunc(closeFn)
	}

	l := newLogger(sink, opts...)
	l.closer = closer
	return l, nil
}

// NewWriterLogger creates an audit logger writing to w.
func NewWriterLogger(w io.Writer, opts ...Option) Logger {
	return newLogger(zapcore.AddSync(w), opts...)
}

func newLogger(sink zapcore.WriteSyncer, opts ...Option) *logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "logged_at",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zapcore.InfoLevel)

	l := &logger{
		zap: zap.New(core).With(zap.String("log_type", "audit")),
		log: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes the event, filling trace identifiers from ctx.
func (l *logger) Log(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if event.TraceID == "" {
			event.TraceID = sc.TraceID().String()
		}
		if event.SpanID == "" {
			event.SpanID = sc.SpanID().String()
		}
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}
	redact(event.Details)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.zap.Info("audit event", zap.Object("event", event))
	l.metrics.Record(event.Type)
}

// Close flushes and closes the output.
func (l *logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.zap.Sync(); err != nil && l.closer == nil {
		// stdout and stderr commonly reject fsync.
		l.log.Debug("audit sync failed", observability.Error(err))
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e *Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", e.ID)
	enc.AddTime("timestamp", e.Timestamp)
	enc.AddString("type", string(e.Type))
	addNonEmpty(enc, "request_id", e.RequestID)
	addNonEmpty(enc, "client_ip", e.ClientIP)
	addNonEmpty(enc, "method", e.Method)
	addNonEmpty(enc, "path", e.Path)
	addNonEmpty(enc, "route", e.Route)
	addNonEmpty(enc, "user", e.User)
	addNonEmpty(enc, "trace_id", e.TraceID)
	addNonEmpty(enc, "span_id", e.SpanID)
	addNonEmpty(enc, "reason", e.Reason)
	if len(e.Details) > 0 {
		return enc.AddReflected("details", e.Details)
	}
	return nil
}

func addNonEmpty(enc zapcore.ObjectEncoder, key, value string) {
	if value != "" {
		enc.AddString(key, value)
	}
}

func redact(details map[string]interface{}) {
	for key := range details {
		lower := strings.ToLower(key)
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				details[key] = redactedValue
				break
			}
		}
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

type noopLogger struct{}

// NewNoopLogger returns a logger that drops every event.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Log(context.Context, *Event) {}

func (noopLogger) Close() error { return nil }

var (
	_ Logger = (*logger)(nil)
	_ Logger = noopLogger{}
)
