package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/gateway"
	"github.com/fechatter/gateway/internal/observability"
)

// startConfigWatcher reports edits of the config file. Configuration is
// immutable after load, so an edit only asks for a restart.
func startConfigWatcher(path string, al audit.Logger, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(path, configChanged(al, logger), config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}
	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

func configChanged(al audit.Logger, logger observability.Logger) config.ChangeFunc {
	return func(c config.Change) {
		if c.Err != nil {
			logger.Error("configuration file changed and no longer loads, fix it before restarting",
				observability.String("path", c.Path),
				observability.Error(c.Err),
			)
		} else {
			logger.Warn("configuration file changed, restart required to apply it",
				observability.String("path", c.Path),
			)
		}
		al.Log(context.Background(), audit.ConfigChange(c.Path))
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops the
// gateway within its shutdown timeout.
func waitForShutdown(gw *gateway.Gateway, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := gw.Stop(context.Background(), "signal "+sig.String()); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}
}
