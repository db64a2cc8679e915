package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type requestMetrics struct {
	total    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func newRequestMetrics() requestMetrics {
	meter := otel.Meter("qms/queue-engine/httpapi")
	total, _ := meter.Int64Counter("queue_engine.requests", metric.WithDescription("HTTP requests served"))
	errs, _ := meter.Int64Counter("queue_engine.request_errors", metric.WithDescription("HTTP requests answered with status >= 400"))
	duration, _ := meter.Float64Histogram("queue_engine.request_duration", metric.WithUnit("ms"))
	return requestMetrics{total: total, errors: errs, duration: duration}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through so the sockjs streaming and websocket
// transports keep working behind the middleware.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// LoggingMiddleware assigns a request id when the caller did not send one and
// logs one line per request.
func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := newRequestMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if requestID(r) == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		w.Header().Set("X-Request-ID", requestID(r))

		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", writer.status),
		)
		metrics.total.Add(r.Context(), 1, attrs)
		if writer.status >= http.StatusBadRequest {
			metrics.errors.Add(r.Context(), 1, attrs)
		}
		metrics.duration.Record(r.Context(), float64(duration.Microseconds())/1000, attrs)

		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID(r)),
		)
	})
}
