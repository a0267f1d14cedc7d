package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"capital-gate/comm"
	"capital-gate/config"
	"capital-gate/execution"
	"capital-gate/marketdata"
	"capital-gate/metrics"
	"capital-gate/session"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capital-gate",
	Short: "Capital-preservation gate and order execution for a funded account",
	Long: `capital-gate polls a signal service, runs every entry through the hard,
soft and time governors, and places or closes orders at the venue.

Log-only mode (execution.log_only, on by default) performs every read but
journals orders instead of sending them.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling loop until interrupted",
	RunE:  runLoop,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective values",
	RunE:  runCheckConfig,
}

var closeAllReason string

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Close every position owned by the strategy and exit",
	Long: `Close every open position tagged with the configured strategy id. Positions
of other strategies on the same account are left alone. Exits non-zero if
any close failed.`,
	RunE: runCloseAll,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration (defaults when empty)")
	closeAllCmd.Flags().StringVar(&closeAllReason, "reason", "manual", "Reason recorded with every close")

	rootCmd.AddCommand(runCmd, checkConfigCmd, closeAllCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// components is everything the commands share.
type components struct {
	cfg     config.Config
	logger  *zap.Logger
	feed    *marketdata.Feed
	venue   *execution.Client
	signals *comm.SignalClient
}

func setup(ctx context.Context, withFeed bool) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	c := &components{cfg: cfg, logger: logger}

	var quotes execution.QuoteSource
	if withFeed && cfg.Transport.VenueWSURL != "" && len(cfg.Transport.Symbols) > 0 {
		feed := marketdata.NewFeed(marketdata.DefaultFeedConfig(cfg.Transport.VenueWSURL, cfg.Transport.Symbols), logger)
		if err := feed.Start(ctx); err != nil {
			logger.Warn("Quote stream unavailable, using REST snapshots", zap.Error(err))
		} else {
			c.feed = feed
			quotes = feed
		}
	}

	venue, err := execution.NewClient(cfg.Transport, quotes, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.venue = venue

	c.signals = comm.NewSignalClient(comm.NewClient("signals", cfg.Transport.SignalURL, cfg.Transport, logger), logger)

	logger.Info("Configuration loaded",
		zap.String("strategy_id", cfg.Account.StrategyID),
		zap.Bool("log_only", cfg.Execution.LogOnly),
		zap.String("signal_url", cfg.Transport.SignalURL),
		zap.String("venue_url", cfg.Transport.VenueURL),
		zap.String("account", venue.Address()),
		zap.Duration("poll_interval", cfg.Loop.PollInterval))
	return c, nil
}

func (c *components) close() {
	if c.feed != nil {
		c.feed.Stop()
	}
	_ = c.logger.Sync()
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	collectors := metrics.New()

	var (
		server    *metrics.Server
		publisher session.Publisher
	)
	if c.cfg.Metrics.Addr != "" {
		server = metrics.NewServer(c.cfg.Metrics.Addr, collectors, c.logger)
		server.Start()
		publisher = server
	}

	s, err := session.New(c.cfg, c.venue, c.signals, collectors, publisher, c.logger)
	if err != nil {
		return err
	}

	runErr := s.Run(ctx)

	c.logger.Info("Shutdown signal received, stopping")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Status server shutdown failed", zap.Error(err))
		}
	}
	return runErr
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runCloseAll(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	s, err := session.New(c.cfg, c.venue, c.signals, nil, nil, c.logger)
	if err != nil {
		return err
	}

	outcomes, err := s.CloseAll(ctx, closeAllReason)
	if err != nil {
		return err
	}
	failed := execution.Failed(outcomes)
	for _, o := range outcomes {
		status := "closed"
		if o.Err != nil {
			status = o.Err.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", o.Position.ID, o.Position.Symbol, o.Position.Volume, status)
	}
	if c.cfg.Execution.LogOnly {
		fmt.Fprintln(cmd.OutOrStdout(), "log-only mode: no close was sent")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d closes failed", len(failed), len(outcomes))
	}
	return nil
}
