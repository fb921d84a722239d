package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/config"
	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/relay"
)

func newRelayCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development conversation relay",
		Long:  "relay serves per-ticket chat rooms over WebSocket together with the ticket comment and file upload endpoints, so the client can be exercised without the production services. Edits to relay.allowed_origins and logging.level in the config file apply without a restart.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr, err := a.loadConfigManager(ctx)
			if err != nil {
				return err
			}
			cfg := mgr.Get(ctx)
			if addr != "" {
				cfg.Relay.Address = addr
			}

			lvl := zap.NewAtomicLevel()
			logger, err := newLogger(cfg, nil, &lvl)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer startTracing(ctx, cfg, logger)()

			if cfg.Relay.JWTSecret == "" {
				logger.Warn("No JWT secret configured; tokens are accepted without signature verification")
			}

			srv := relay.NewServer(ctx, relay.Config{
				JWTSecret:      cfg.Relay.JWTSecret,
				AllowedOrigins: cfg.Relay.AllowedOrigins,
				Logger:         logger,
			})
			defer srv.Close()

			go applyConfigUpdates(ctx, mgr.Watch(ctx), srv, &lvl, logger)

			return srv.ListenAndServe(ctx, cfg.Relay.Address)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides relay.address)")
	return cmd
}

type originSetter interface {
	SetAllowedOrigins(origins []string)
}

// applyConfigUpdates hot-applies the settings a running relay can change
// until ctx is done or updates is closed.
func applyConfigUpdates(ctx context.Context, updates <-chan config.Config, srv originSetter, lvl *zap.AtomicLevel, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			srv.SetAllowedOrigins(cfg.Relay.AllowedOrigins)
			if err := logging.SetLevel(lvl, cfg.Logging.Level); err != nil {
				logger.Warn("Ignoring log level change", zap.Error(err))
				continue
			}
			logger.Info("Configuration reloaded", zap.String("log_level", cfg.Logging.Level))
		}
	}
}
