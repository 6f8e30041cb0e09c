package middleware

import (
	"net/http"
	"time"

	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

// Logging writes one access log line per request after it completes.
// Route, upstream server and cache outcome are read from the
// util.RequestInfo filled in by inner stages.
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := util.RequestInfoFromContext(r.Context())
			if info == nil {
				info = &util.RequestInfo{}
				r = r.WithContext(util.ContextWithRequestInfo(r.Context(), info))
			}
			rw := util.NewStatusCapturingResponseWriter(w)

			next.ServeHTTP(rw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.StatusCode),
				observability.Int64("bytes", rw.BytesWritten),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", util.ClientIP(r)),
				observability.String("route", info.Route),
			}
			if info.Server != "" {
				fields = append(fields, observability.String("upstream", info.Server))
			}
			if info.Cache != "" {
				fields = append(fields, observability.String("cache", info.Cache))
			}

			//nolint:contextcheck // fields come from the request context
			log := logger.WithContext(r.Context())
			switch {
			case rw.StatusCode >= http.StatusInternalServerError:
				log.Warn("access", fields...)
			default:
				log.Info("access", fields...)
			}
		})
	}
}
