package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceHeaders echoes the server span's ids so a client can quote them when
// reporting a throttled or failed request. Requests without a span context
// get neither header.
func TraceHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := trace.SpanContextFromContext(r.Context())
		if sc.HasTraceID() {
			w.Header().Set(TraceIDHeader, sc.TraceID().String())
		}
		if sc.HasSpanID() {
			w.Header().Set(SpanIDHeader, sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}
