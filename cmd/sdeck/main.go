package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/scriptdeck/sdeck/internal/broadcast"
	"github.com/scriptdeck/sdeck/internal/config"
	"github.com/scriptdeck/sdeck/internal/logging"
	"github.com/scriptdeck/sdeck/internal/logstream"
	"github.com/scriptdeck/sdeck/internal/server"
	"github.com/scriptdeck/sdeck/internal/store"
	"github.com/scriptdeck/sdeck/internal/supervisor"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOptions []logging.Option
	if verboseRequested(args) {
		logOptions = append(logOptions, logging.WithStderr())
	}
	logger, err := logging.New(logOptions...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file %s: %v\n", logger.Path(), closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "sdeck",
		Short:         "ScriptDeck script supervision daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().BoolP("verbose", "v", false, "mirror log records to stderr")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	root.AddCommand(newServeCommand(cfg, logger))
	return root
}

// verboseRequested scans raw args because the logger must exist before cobra
// parses the flag for real.
func verboseRequested(args []string) bool {
	for _, arg := range args {
		if arg == "--verbose" || arg == "-v" {
			return true
		}
	}
	return false
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the supervision API and log stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "listen address")
	cmd.Flags().StringVar(&cfg.Workdir, "workdir", cfg.Workdir, "script working directory")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier, err := loadClassifier(cfg)
	if err != nil {
		return err
	}

	bus := broadcast.New(
		broadcast.WithReplaySize(cfg.ReplaySize),
		broadcast.WithQueueSize(cfg.SessionQueue),
		broadcast.WithLogger(logger),
	)

	sup, err := supervisor.New(
		bus,
		supervisor.WithLogger(logger),
		supervisor.WithClassifier(classifier),
	)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	files, err := store.New(cfg.AccountsPath(), cfg.ConfigPath(), store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	if err := files.Watch(ctx); err != nil {
		return fmt.Errorf("watch store files: %w", err)
	}
	defer func() {
		if closeErr := files.Close(); closeErr != nil {
			logger.With("error", closeErr).Warn("closing store watcher failed")
		}
	}()

	srv, err := server.New(cfg, sup, bus, files, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	logger.With(
		"addr", cfg.ListenAddr,
		"workdir", cfg.Workdir,
		"script", cfg.ScriptPath(),
		"accounts_file", cfg.AccountsPath(),
		"config_file", cfg.ConfigPath(),
	).Info("daemon starting")

	serveErr := srv.Run(ctx)

	// Never leave a supervised child behind on shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+supervisor.DefaultStopGrace)
	defer cancel()
	if stopErr := sup.Shutdown(shutdownCtx); stopErr != nil {
		logger.With("error", stopErr).Warn("stopping active run on shutdown failed")
	}

	return serveErr
}

func loadClassifier(cfg *config.Config) (*logstream.Classifier, error) {
	if cfg.MarkersFile == "" {
		return logstream.NewClassifier()
	}
	classifier, err := logstream.LoadClassifier(cfg.MarkersFile)
	if err != nil {
		return nil, fmt.Errorf("load marker rules: %w", err)
	}
	return classifier, nil
}
