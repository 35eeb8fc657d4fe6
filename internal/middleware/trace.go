package middleware

import (
	"net/http"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/logger"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
)

// TraceID takes the trace id from the A2A-Trace-Id header, or starts a new
// one, and attaches it to the request context for log correlation. The id
// is echoed on the response.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(messagequeue.HeaderTraceID)
		if id == "" {
			id = envelope.NewTraceID()
		}
		ctx := logger.WithTrace(r.Context(), id, "")
		w.Header().Set(messagequeue.HeaderTraceID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
