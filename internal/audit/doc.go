// Package audit writes a trail of security-relevant gateway events.
//
// Events are JSON lines emitted through a dedicated zap core, separate
// from the operational log, and counted per type in a Prometheus
// counter. Detail keys that look like credentials are redacted before
// writing.
//
//	al, err := audit.NewLogger(cfg.Observability.Audit,
//	    audit.WithMetrics(audit.NewMetrics("gateway", metrics.Registry())))
//	if err != nil {
//	    return err
//	}
//	defer al.Close()
//
//	al.Log(ctx, audit.RateLimitExceeded(info, "ip", 120, 30*time.Second))
package audit
