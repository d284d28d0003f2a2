package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProcessState is the liveness of the daemon as seen through its PID file.
type ProcessState string

const (
	// StateRunning: the PID file exists and the process is alive.
	StateRunning ProcessState = "running"
	// StateStopped: no PID file.
	StateStopped ProcessState = "stopped"
	// StateStale: the PID file names a dead process.
	StateStale ProcessState = "stale"
)

// ErrAlreadyRunning is returned by Acquire when a live daemon owns the PID
// file.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePIDFile writes pid to path.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile parses the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID path comes from resolved state paths
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile is idempotent.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Status reports the daemon state and its PID (0 when stopped).
func Status(pidPath string) (ProcessState, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateStopped, 0, nil
		}
		return StateStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StateRunning, pid, nil
	}
	return StateStale, pid, nil
}

// Acquire claims the PID file for the current process, replacing a stale
// one. The returned release removes it.
func Acquire(pidPath string) (release func(), err error) {
	state, pid, err := Status(pidPath)
	if err != nil {
		return nil, err
	}
	if state == StateRunning && pid != os.Getpid() {
		return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
		return nil, err
	}
	return func() { _ = RemovePIDFile(pidPath) }, nil
}

// Stop sends SIGTERM to the daemon and waits up to timeout for it to exit.
func Stop(ctx context.Context, pidPath string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for IsProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon (PID %d) still running after %s", pid, timeout)
		case <-ticker.C:
		}
	}
	return nil
}

// SignalContext returns a context cancelled on SIGTERM or SIGINT.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
