package middleware

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/router"
)

// auditSpy records audit events in memory.
type auditSpy struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *auditSpy) Log(_ context.Context, e *audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *auditSpy) Close() error { return nil }

func (s *auditSpy) types() []audit.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// routed puts RequestID and MatchRoute in front of mw so that stages see
// a matched route the way they do in the gateway.
func routed(t *testing.T, routes []config.RouteConfig, mw Middleware, final http.Handler) http.Handler {
	t.Helper()
	rt, err := router.New(routes)
	require.NoError(t, err)
	return Chain(RequestID(""), MatchRoute(rt), mw)(final)
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	})
}
