package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Header names of the Kestrel request envelope.
const (
	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

type ctxKey int

const (
	ctxTenantID ctxKey = iota
	ctxRequestID
	ctxTraceID
)

var tracer = otel.Tracer("kestrel/api")

// maxTenantIDLen bounds tenant ids so they stay usable as cache and
// database key components.
const maxTenantIDLen = 128

// RequireTenant rejects requests that do not carry a usable X-Tenant-ID
// header. Tenant is a required request field, not authentication.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		switch {
		case tenantID == "":
			http.Error(w, `{"error":"X-Tenant-ID header is required"}`, http.StatusBadRequest)
			return
		case len(tenantID) > maxTenantIDLen:
			http.Error(w, `{"error":"X-Tenant-ID header is too long"}`, http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), ctxTenantID, tenantID)))
	})
}

// Trace opens an OpenTelemetry span per request, assigns a request id
// when the client did not send one, and echoes both ids back in the
// response headers so clients can correlate with Kestrel's logs.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("kestrel.request_id", requestID),
			))
		defer span.End()

		// Without a configured exporter the span context carries a zero
		// trace id; fall back to the request id so the header is never empty.
		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, ctxRequestID, requestID)
		ctx = context.WithValue(ctx, ctxTraceID, traceID)

		h := w.Header()
		h.Set(RequestIDHeader, requestID)
		h.Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger emits one slog line per request after it completes.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.written,
			"duration_ms", time.Since(started).Milliseconds(),
			"tenant_id", TenantID(r.Context()),
			"trace_id", TraceID(r.Context()),
		)
	})
}

// AllowCrossOrigin answers CORS preflights and stamps the allow headers
// browser clients need. Origins are reflected, not validated; Kestrel
// expects to sit behind an ingress that enforces origin policy.
func AllowCrossOrigin(next http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{
		"Content-Type", TenantIDHeader, RequestIDHeader, TraceIDHeader, "Authorization",
	}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Recover converts handler panics into a 500 instead of killing the
// connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("handler panicked",
					"panic", v,
					"method", r.Method,
					"path", r.URL.Path,
					"trace_id", TraceID(r.Context()),
				)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code and body size for RequestLogger.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.written += int64(n)
	return n, err
}

// TenantID returns the tenant bound to the request context, or "".
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantID).(string)
	return v
}

// TraceID returns the trace id bound to the request context, or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTraceID).(string)
	return v
}
