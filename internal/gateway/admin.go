package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/health"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/util"
)

const basicAuthRealm = `Basic realm="metrics"`

// newAdminEngine serves the health endpoints and, when enabled, the
// Prometheus registry at cfg.Path.
func newAdminEngine(status *health.Checker, metrics *observability.Metrics, cfg config.MetricsConfig,
	logger observability.Logger,
) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("admin handler panic", observability.Any("panic", recovered))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))

	status.Register(engine)

	if cfg.Enabled {
		handlers := []gin.HandlerFunc{}
		if cfg.BasicAuth != nil {
			handlers = append(handlers, basicAuth(*cfg.BasicAuth))
		}
		handlers = append(handlers, gin.WrapH(metrics.Handler()))
		engine.GET(cfg.Path, handlers...)
	}
	return engine
}

// basicAuth gates a handler on a username and a bcrypt password hash.
func basicAuth(cfg config.BasicAuthConfig) gin.HandlerFunc {
	hash := []byte(cfg.PasswordHash)
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			c.Header("WWW-Authenticate", basicAuthRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorBody{
				Error:   "unauthorized",
				Message: "valid credentials are required",
			})
			return
		}
		c.Next()
	}
}

// withAdmin sends the admin paths to admin and everything else to next,
// so the operational endpoints answer ahead of the route table.
func withAdmin(admin, next http.Handler, metricsPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdminPath(r.URL.Path, metricsPath) {
			admin.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAdminPath(path, metricsPath string) bool {
	switch {
	case path == "/health", strings.HasPrefix(path, "/health/"):
		return true
	case metricsPath != "" && path == metricsPath:
		return true
	}
	return false
}
