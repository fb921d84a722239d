package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/chat"
	"github.com/kubilitics/ticketchat/internal/config"
	"github.com/kubilitics/ticketchat/internal/connection"
	"github.com/kubilitics/ticketchat/internal/db"
	"github.com/kubilitics/ticketchat/internal/identity"
	"github.com/kubilitics/ticketchat/internal/integration/ticketapi"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/ui"
)

func newAttachCmd(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "attach <ticket-id>",
		Short: "Open the live conversation for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			if token != "" {
				cfg.Identity.Token = token
			}

			// the terminal view owns the screen; logs only go to a configured file
			logger, err := newLogger(cfg, io.Discard, nil)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer startTracing(ctx, cfg, logger)()

			sess, closeFn, err := newChatSession(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := sess.Activate(ctx, args[0]); err != nil {
				return err
			}
			defer sess.Deactivate()

			return ui.Run(ui.Options{Session: sess, Context: ctx})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (overrides identity.token and TICKETCHAT_TOKEN)")
	return cmd
}

// newChatSession wires a session from configuration. The returned func
// releases the transcript cache.
func newChatSession(cfg *config.Config, logger *zap.Logger) (*chat.Session, func(), error) {
	if cfg.Identity.Token == "" {
		return nil, nil, fmt.Errorf("an access token is required (set identity.token or TICKETCHAT_TOKEN)")
	}
	participant, err := identity.Resolve(cfg.Identity.Token, models.Participant{
		ID:           cfg.Identity.ParticipantID,
		Name:         cfg.Identity.Name,
		Role:         cfg.Identity.Role,
		EmployeeCode: cfg.Identity.EmployeeCode,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve identity: %w", err)
	}

	mgr, err := connection.NewManager(connection.Options{
		BaseURL:              cfg.Realtime.BaseURL,
		PingInterval:         cfg.Realtime.PingInterval,
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Realtime.HandshakeTimeout,
		WriteWait:            cfg.Realtime.WriteWait,
		Logger:               logger,
	})
	if err != nil {
		return nil, nil, err
	}

	api, err := ticketapi.New(ticketapi.Config{
		BaseURL:        cfg.API.BaseURL,
		FilesBaseURL:   cfg.API.FilesBaseURL,
		Timeout:        cfg.API.Timeout,
		HistoryRetries: cfg.API.HistoryRetries,
		Logger:         logger,
	}, cfg.Identity.Token)
	if err != nil {
		return nil, nil, err
	}

	sessCfg := chat.Config{
		Participant:    participant,
		Token:          cfg.Identity.Token,
		Connection:     mgr,
		Backend:        api,
		MatchWindow:    cfg.Chat.MatchWindow,
		TypingThrottle: cfg.Typing.Throttle,
		TypingExpiry:   cfg.Typing.Expiry,
		Logger:         logger,
	}

	closeFn := func() {}
	if cfg.Cache.Enabled {
		store, err := db.NewSQLiteStore(cfg.Cache.SQLitePath)
		if err != nil {
			// a broken cache never blocks chatting
			logger.Warn("Transcript cache unavailable", zap.String("path", cfg.Cache.SQLitePath), zap.Error(err))
		} else {
			sessCfg.Transcripts = store
			closeFn = func() { _ = store.Close() }
		}
	}

	sess, err := chat.NewSession(sessCfg)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return sess, closeFn, nil
}
