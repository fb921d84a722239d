package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/config"
	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/tracing"
	"github.com/kubilitics/ticketchat/internal/version"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "ticketchat",
		Short:         "Real-time ticket conversations from the terminal",
		Long:          "ticketchat joins the live conversation attached to a support ticket, falls back to the ticket comment API when the live channel is down, and ships a development relay that speaks the same protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default ~/.ticketchat/config.yaml)")

	cmd.AddCommand(
		newAttachCmd(a),
		newRelayCmd(a),
		newTranscriptCmd(a),
		newTokenCmd(a),
		newVersionCmd(),
	)
	return cmd
}

// loadConfigManager reads the config file (if any), applies the environment
// and validates the result. The manager stays usable for Watch.
func (a *app) loadConfigManager(ctx context.Context) (config.ConfigManager, error) {
	path := a.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	mgr, err := a.loadConfigManager(ctx)
	if err != nil {
		return nil, err
	}
	return mgr.Get(ctx), nil
}

// newLogger builds the process logger. When w is non-nil and no log file is
// configured, output goes to w. A non-nil lvl tracks the configured level.
func newLogger(cfg *config.Config, w io.Writer, lvl *zap.AtomicLevel) (*zap.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.File = cfg.Logging.File
	lc.Atomic = lvl
	if lc.File == "" && w != nil {
		return logging.NewWithWriter(lc, w)
	}
	return logging.New(lc)
}

// startTracing installs the OTLP exporter when tracing.endpoint is set.
func startTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) func() {
	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		return func() {}
	}
	if cfg.Tracing.Endpoint != "" {
		logger.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show ticketchat build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ticketchat %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
			return nil
		},
	}
}
