package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vegeta/pkg/daemon"
	"vegeta/pkg/heartbeat"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/memory"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// statusReport is everything `vegeta status` prints.
type statusReport struct {
	State     daemon.ProcessState
	PID       int
	Mailbox   *mailbox.Stats
	Heartbeat *heartbeat.Status
}

// newStatusCmd creates the "vegeta status" subcommand.
func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, queue depth and heartbeat health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := collectStatus(cmd.Context(), a.paths.PIDFile, a.paths.StateDB)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			renderStatus(w, r, isTerminal(w), time.Now())
			return nil
		},
	}
}

func collectStatus(ctx context.Context, pidPath, dbPath string) (statusReport, error) {
	var r statusReport
	state, pid, err := daemon.Status(pidPath)
	if err != nil {
		return r, err
	}
	r.State, r.PID = state, pid

	db, err := statedb.OpenReadOnly(ctx, dbPath)
	if err != nil {
		// No database yet: the daemon has never run.
		return r, nil
	}
	defer db.Close()

	stats, err := mailbox.New(db, mailbox.Config{}, nil).Stats(ctx)
	if err != nil {
		return r, fmt.Errorf("mailbox stats: %w", err)
	}
	r.Mailbox = &stats

	hb, err := heartbeat.ReadStatus(ctx, memory.NewStore(db))
	if err == nil && !hb.Timestamp.IsZero() {
		r.Heartbeat = &hb
	}
	return r, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// renderStatus prints r. Styling is applied only when styled is set, so
// piped output stays plain text.
func renderStatus(w io.Writer, r statusReport, styled bool, now time.Time) {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, paint(titleStyle, "Daemon"))
	switch r.State {
	case daemon.StateRunning:
		fmt.Fprintf(w, "  %s (PID %d)\n", paint(okStyle, string(r.State)), r.PID)
	case daemon.StateStale:
		fmt.Fprintf(w, "  %s (PID %d is gone)\n", paint(errStyle, string(r.State)), r.PID)
	default:
		fmt.Fprintf(w, "  %s\n", paint(mutedStyle, string(r.State)))
	}

	fmt.Fprintln(w, paint(titleStyle, "Mailbox"))
	if r.Mailbox == nil {
		fmt.Fprintln(w, "  "+paint(mutedStyle, "no state database yet"))
	} else {
		m := r.Mailbox
		fmt.Fprintf(w, "  pending %d  in-flight %d  completed %d  failed %d  quarantined %d\n",
			m.Counts[protocol.StatePending], m.Counts[protocol.StateInFlight],
			m.Counts[protocol.StateCompleted], m.Counts[protocol.StateFailed], m.Quarantined)
		if !m.OldestPending.IsZero() {
			fmt.Fprintf(w, "  oldest pending: %s ago\n", now.Sub(m.OldestPending).Round(time.Second))
		}
	}

	fmt.Fprintln(w, paint(titleStyle, "Heartbeat"))
	if r.Heartbeat == nil {
		fmt.Fprintln(w, "  "+paint(mutedStyle, "no cycle recorded"))
		return
	}
	hb := r.Heartbeat
	fmt.Fprintf(w, "  health %s  last cycle %s\n",
		paint(scoreStyle(hb.HealthScore), fmt.Sprintf("%d/100", hb.HealthScore)),
		hb.Timestamp.Local().Format(time.DateTime))
	if len(hb.Actions) > 0 {
		fmt.Fprintf(w, "  actions: %s\n", strings.Join(hb.Actions, " | "))
	}
	for _, warn := range hb.Warnings {
		fmt.Fprintf(w, "  %s %s\n", paint(warnStyle, "!"), warn)
	}
}

func scoreStyle(score int) lipgloss.Style {
	switch {
	case score >= 90:
		return okStyle
	case score >= 70:
		return warnStyle
	default:
		return errStyle
	}
}
