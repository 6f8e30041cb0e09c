// Package health serves the gateway status endpoints.
//
// /health reports version, uptime, upstream group status with
// per-server availability and breaker state, and the shared Redis
// stores. /health/live always answers 200 while the process runs.
// /health/ready answers 503 until every upstream group has at least one
// eligible server. Store outages are reported but never make the
// gateway unready, since the rate limiter and cache fail open.
package health
