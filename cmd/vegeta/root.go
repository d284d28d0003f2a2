package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"vegeta/internal/version"
	"vegeta/pkg/config"
	"vegeta/pkg/daemon"
	"vegeta/pkg/logging"
	"vegeta/pkg/statedb"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries what every subcommand resolves once in PersistentPreRunE.
type app struct {
	verbose      bool
	settingsPath string

	paths  *config.Paths
	logger *zap.Logger
}

// newRootCmd creates the root vegeta command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "vegeta",
		Short:         "Multi-agent orchestrator daemon",
		Long:          "vegeta routes inbound messages to named agents, lets agents delegate to each other,\nruns sovereign improvement loops under a safety policy and a periodic heartbeat.",
		Version:       fmt.Sprintf("vegeta %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&a.settingsPath, "config", "", "settings file (default $VEGETA_HOME/settings.yaml)")

	cmd.AddCommand(
		newDaemonCmd(a),
		newStartCmd(a),
		newStopCmd(a),
		newStatusCmd(a),
		newSendCmd(a),
		newQueueCmd(a),
		newRouteCmd(a),
		newLogsCmd(a),
		newHeartbeatCmd(a),
		newSovereignCmd(a),
		newPairingCmd(a),
		newConfigCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	if a.settingsPath != "" {
		paths.Settings = a.settingsPath
	}
	if err := os.MkdirAll(paths.Home, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", paths.Home, err)
	}
	a.paths = paths

	logger, err := logging.New(logging.Options{Verbose: a.verbose, Console: true})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) settings() (*config.Settings, error) {
	return config.Load(a.paths.Settings)
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := statedb.Open(ctx, a.paths.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

// wire builds a daemon over a static settings snapshot, for one-shot
// commands that need the same component graph as the running daemon.
func (a *app) wire(ctx context.Context) (*daemon.Daemon, func(), error) {
	s, err := a.settings()
	if err != nil {
		return nil, nil, err
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.New(daemon.Deps{
		DB:     db,
		Config: config.Static(s),
		Paths:  a.paths,
		Logger: a.logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return d, func() { _ = db.Close() }, nil
}
