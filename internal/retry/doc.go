// Package retry runs an upstream call against a group with bounded
// retries.
//
// Each attempt selects a server through the group's load balancer,
// asks that server's circuit breaker for admission and reports the
// outcome back to the breaker and the server's health state. A failed
// attempt is followed by a backoff wait, and the next attempt avoids
// the server that just failed.
//
// # Usage
//
//	engine := retry.NewEngine(registry, retry.WithLogger(logger))
//	result, err := engine.Execute(ctx, retry.Attempt{
//	    Group:  "chat",
//	    Policy: cfg.RetryPolicyFor(route),
//	    Do: func(ctx context.Context, s *backend.Server) (*http.Response, error) {
//	        return client.Do(buildRequest(ctx, s))
//	    },
//	})
//
// The route timeout is applied by the caller as a context deadline and
// spans every attempt and every wait.
package retry
