package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"vegeta/internal/version"
	"vegeta/pkg/config"
	"vegeta/pkg/daemon"
	"vegeta/pkg/logging"
	"vegeta/pkg/statedb"
	"vegeta/pkg/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// startWaitTimeout bounds how long `start` waits for the PID file.
const startWaitTimeout = 5 * time.Second

// newDaemonCmd creates the "vegeta daemon" subcommand.
func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator in the foreground",
		Long:  "Runs the mailbox workers, heartbeat, sovereign loops and the inbox transport\nuntil SIGTERM or SIGINT. Writes the PID file while running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			release, err := daemon.Acquire(a.paths.PIDFile)
			if err != nil {
				return err
			}
			defer release()

			logger, err := logging.New(logging.Options{Verbose: a.verbose, File: a.paths.LogFile})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := daemon.SignalContext(cmd.Context())
			defer stop()

			watcher, err := config.NewWatcher(a.paths.Settings, logger)
			if err != nil {
				return err
			}

			shutdown, err := telemetry.Setup(ctx, telemetry.Options{
				Endpoint:       watcher.Current().Telemetry.OTLPEndpoint,
				ServiceVersion: version.String(),
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			db, err := statedb.Open(ctx, a.paths.StateDB)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer db.Close()

			d, err := daemon.New(daemon.Deps{DB: db, Config: watcher, Paths: a.paths, Logger: logger})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vegeta daemon running (PID %d)\n", os.Getpid())
			if err := d.Run(ctx); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "vegeta daemon stopped")
			return nil
		},
	}
}

// newStartCmd creates the "vegeta start" subcommand.
func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			state, pid, err := daemon.Status(a.paths.PIDFile)
			if err != nil {
				return err
			}
			switch state {
			case daemon.StateRunning:
				fmt.Fprintf(w, "daemon already running (PID %d)\n", pid)
				return nil
			case daemon.StateStale:
				_ = daemon.RemovePIDFile(a.paths.PIDFile)
			case daemon.StateStopped:
			}

			if _, err := config.Load(a.paths.Settings); err != nil {
				return err
			}
			pid, err = spawnDaemon(a)
			if err != nil {
				return err
			}
			if err := waitForPID(cmd.Context(), a.paths.PIDFile, startWaitTimeout); err != nil {
				return fmt.Errorf("daemon (PID %d) did not come up, see %s: %w", pid, a.paths.LogFile, err)
			}
			fmt.Fprintf(w, "vegeta daemon started (PID %d), logs: %s\n", pid, a.paths.LogFile)
			return nil
		},
	}
}

// spawnDaemon re-executes the current binary as a detached `vegeta daemon`.
func spawnDaemon(a *app) (int, error) {
	args := []string{"daemon"}
	if a.settingsPath != "" {
		args = append(args, "--config", a.settingsPath)
	}
	if a.verbose {
		args = append(args, "--verbose")
	}
	logf, err := os.OpenFile(a.paths.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open log %s: %w", a.paths.LogFile, err)
	}
	defer logf.Close()

	child := exec.Command(os.Args[0], args...) //nolint:gosec // intentionally re-executing self
	child.Stdout = logf
	child.Stderr = logf
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

func waitForPID(ctx context.Context, pidPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state, _, _ := daemon.Status(pidPath); state == daemon.StateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newStopCmd creates the "vegeta stop" subcommand.
func newStopCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Long:  "Sends SIGTERM to the daemon and waits for in-flight items to finish.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			state, pid, err := daemon.Status(a.paths.PIDFile)
			if err != nil {
				return err
			}
			switch state {
			case daemon.StateStopped:
				fmt.Fprintln(w, "daemon is not running")
				return nil
			case daemon.StateStale:
				fmt.Fprintln(w, "removing stale PID file (process already dead)")
				return daemon.RemovePIDFile(a.paths.PIDFile)
			case daemon.StateRunning:
			}

			fmt.Fprintf(w, "sending SIGTERM to daemon (PID %d)\n", pid)
			if err := daemon.Stop(cmd.Context(), a.paths.PIDFile, timeout); err != nil {
				return err
			}
			fmt.Fprintln(w, "daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the daemon to exit")
	return cmd
}
