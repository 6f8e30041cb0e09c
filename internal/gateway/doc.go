// Package gateway assembles the gateway from its configuration and runs
// its lifecycle.
//
// New builds every component once: the upstream registry with its
// breakers and health probes, the retry engine, the rate limiter and
// response cache with their Redis stores, the dispatcher and the
// middleware pipeline in front of it. Nothing is rebuilt while the
// gateway runs.
//
// Two listeners are served. The main listener carries proxied traffic
// and also answers /health, /health/live, /health/ready and /metrics
// ahead of the route table. The admin listener serves only those
// endpoints and is started when metrics are enabled.
//
//	gw, err := gateway.New(ctx, cfg, gateway.WithLogger(logger), gateway.WithVersion(version))
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background(), "signal")
package gateway
