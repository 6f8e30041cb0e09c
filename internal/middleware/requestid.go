package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// RequestID tags every request with an ID taken from header, or a new
// UUID when the client sent none, and echoes it on the response. It
// also installs the util.RequestInfo that inner stages fill in.
func RequestID(header string) Middleware {
	if header == "" {
		header = util.HeaderRequestID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(header)
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set(header, requestID)
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			if util.RequestInfoFromContext(ctx) == nil {
				ctx = util.ContextWithRequestInfo(ctx, &util.RequestInfo{})
			}
			w.Header().Set(header, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
