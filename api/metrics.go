package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestSpanName    = "board.request"
	requestEventName   = "board.request.completed"
	requestEventDomain = "taskboard.api"
	tracerName         = "taskboard/api"
	metricsContextKey  = "board.metrics"
)

type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	route      string
	method     string
	op         string
	taskID     string
	force      bool
	outcome    string
	errorStage string
	err        error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	m := &requestMetrics{logger: logger, start: time.Now(), route: route, method: method}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m.span = span
	return m, spanCtx
}

func (m *requestMetrics) SetOp(op string) { m.op = op }

func (m *requestMetrics) SetTask(id string) { m.taskID = id }

func (m *requestMetrics) SetForce(force bool) { m.force = force }

func (m *requestMetrics) SetOutcome(outcome string) { m.outcome = outcome }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// SetError records the internal error behind a 5xx response.
func (m *requestMetrics) SetError(err error) { m.err = err }

func (m *requestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64("board.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.op != "" {
		attrs = append(attrs, attribute.String("board.op", m.op))
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("board.task_id", m.taskID))
	}
	if m.force {
		attrs = append(attrs, attribute.Bool("board.force", true))
	}
	if m.outcome != "" {
		attrs = append(attrs, attribute.String("board.outcome", m.outcome))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log ends the request span and emits one observability.event log entry.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status, err)
	sevText, sevNumber := severityForStatus(status, err)

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}, attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		m.span.SetAttributes(attrs...)
		if err != nil || status >= http.StatusInternalServerError {
			msg := http.StatusText(status)
			if err != nil {
				m.span.RecordError(err)
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   sevText,
		"severity_number": sevNumber,
		"attributes":      attrMap,
	}
	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		if sc.HasSpanID() {
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch sevText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

// severityForStatus maps a response onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// requestMetricsMiddleware wraps each request in a span and logs its outcome.
func requestMetricsMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)
			err := next(c)
			status := c.Response().Status
			var logged error
			if status >= http.StatusInternalServerError {
				logged = m.err
				if logged == nil {
					logged = err
				}
			}
			m.Log(status, logged)
			return err
		}
	}
}

// metricsFrom returns the metrics of the current request. The result is
// never nil so handlers can annotate unconditionally.
func metricsFrom(c echo.Context) *requestMetrics {
	if m, ok := c.Get(metricsContextKey).(*requestMetrics); ok {
		return m
	}
	return &requestMetrics{}
}
