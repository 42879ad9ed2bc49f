package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	boardTracerName  = "board-api"
	boardSpanName    = "board.request"
	boardMetricsName = "board.request.metrics"
)

type boardRequestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	route      string
	recordID   string
	columns    int
	tasks      int
	hasBoard   bool
	errorStage string
	err        error
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger, route, recordID string) (*boardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(boardTracerName).Start(ctx, boardSpanName, trace.WithAttributes(
		attribute.String("board.route", route),
		attribute.String("board.record_id", recordID),
	))
	return &boardRequestMetrics{
		logger:   logger,
		span:     span,
		start:    time.Now(),
		route:    route,
		recordID: recordID,
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveBoard(view BoardView) {
	m.columns = len(view.Columns)
	m.tasks = len(view.Tasks)
	m.hasBoard = true
}

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *boardRequestMetrics) SetError(err error) {
	m.err = err
}

func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.Int("http.status_code", status),
			attribute.Float64("board.total_ms", total),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("board.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":           m.route,
		"record_id":       m.recordID,
		"status":          status,
		"total_ms":        total,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.hasBoard {
		fields["columns"] = m.columns
		fields["tasks"] = m.tasks
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(boardMetricsName)
	case "WARN":
		entry.Warn(boardMetricsName)
	default:
		entry.Info(boardMetricsName)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
