package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// Recovery turns a panic in the handler chain into a 500 JSON response.
func Recovery(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				requestID := w.Header().Get(util.HeaderRequestID)
				logger.Error("panic recovered",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.String("request_id", requestID),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)

				util.WriteJSONError(w, http.StatusInternalServerError, "internal server error", requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
