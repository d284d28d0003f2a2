package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"vegeta/pkg/daemon"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/protocol"

	"github.com/spf13/cobra"
)

// newSendCmd creates the "vegeta send" subcommand.
func newSendCmd(a *app) *cobra.Command {
	var agent, intent string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Enqueue a message for the agents",
		Long:  "Enqueues text as a new work item. A leading @agent selects the owner, as does --agent.\nReplies are written to the queue outgoing directory.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := a.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := d.Enqueue(cmd.Context(), protocol.WorkItem{
				Payload:       strings.Join(args, " "),
				ExplicitOwner: strings.ToLower(agent),
				Intent:        intent,
				Origin:        cliOrigin(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent or team id to address")
	cmd.Flags().StringVar(&intent, "intent", "", "explicit intent (e.g. security-review)")
	return cmd
}

func cliOrigin() protocol.Origin {
	o := protocol.Origin{Channel: "cli", SenderID: "local"}
	if u, err := user.Current(); err == nil {
		o.SenderID = u.Username
		o.SenderName = u.Name
	}
	return o
}

// newQueueCmd creates the "vegeta queue" command group.
func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the mailbox",
	}
	cmd.AddCommand(newQueueListCmd(a), newQueueStatsCmd(a), newQueueQuarantineCmd(a), newQueueRecoverCmd(a))
	return cmd
}

func newQueueListCmd(a *app) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch protocol.State(state) {
			case "", protocol.StatePending, protocol.StateInFlight, protocol.StateCompleted, protocol.StateFailed:
			default:
				return fmt.Errorf("unknown state %q", state)
			}
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := mailbox.New(db, mailbox.Config{}, nil).List(cmd.Context(), protocol.State(state), limit)
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "pending, in_flight, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to show")
	return cmd
}

func printItems(w io.Writer, items []protocol.WorkItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no items")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPRIORITY\tOWNER\tDEPTH\tATTEMPTS\tCREATED\tPAYLOAD")
	for _, it := range items {
		owner := it.ExplicitOwner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			it.ID, it.State, it.Priority, owner, it.ChainDepth, it.Attempts, it.MaxAttempts,
			it.CreatedAt.Local().Format(time.DateTime), oneLine(it.Payload, 60))
	}
	_ = tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func newQueueStatsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := mailbox.New(db, mailbox.Config{}, nil).Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			for _, st := range []protocol.State{protocol.StatePending, protocol.StateInFlight, protocol.StateCompleted, protocol.StateFailed} {
				fmt.Fprintf(w, "%-10s %d\n", st, stats.Counts[st])
			}
			fmt.Fprintf(w, "%-10s %d\n", "quarantine", stats.Quarantined)
			fmt.Fprintf(w, "%-10s %d\n", "depth", stats.Depth())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newQueueQuarantineCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List rows quarantined as malformed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := mailbox.New(db, mailbox.Config{}, nil).ListQuarantine(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(w, "quarantine is empty")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ITEM\tQUARANTINED\tREASON")
			for _, q := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", q.ItemID, q.CreatedAt.Local().Format(time.DateTime), q.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}

func newQueueRecoverCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return orphaned in-flight items to pending",
		Long:  "Moves every in-flight item back to pending. The daemon does this on start;\nrun it by hand only while the daemon is stopped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, pid, err := daemon.Status(a.paths.PIDFile)
			if err != nil {
				return err
			}
			if state == daemon.StateRunning && !force {
				return fmt.Errorf("daemon is running (PID %d): its workers own in-flight items, use --force to override", pid)
			}
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := mailbox.New(db, mailbox.Config{}, nil).RecoverOrphaned(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d item(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "recover even while the daemon runs")
	return cmd
}
