package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/daemon"
	"vegeta/pkg/oplog"
	"vegeta/pkg/pairing"
	"vegeta/pkg/protocol"
	"vegeta/pkg/routing"
	"vegeta/pkg/sovereign"

	"github.com/spf13/cobra"
)

// newRouteCmd creates the "vegeta route" subcommand.
func newRouteCmd(a *app) *cobra.Command {
	var agent, intent string
	cmd := &cobra.Command{
		Use:   "route <text>",
		Short: "Explain where a message would be routed, without enqueueing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			engine := routing.New(routing.FromSettings(s))
			item := engine.Prepare(protocol.WorkItem{
				ID:            "(dry-run)",
				Payload:       strings.Join(args, " "),
				ExplicitOwner: strings.ToLower(agent),
				Intent:        intent,
			})
			dec, err := engine.Resolve(item)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "agent:    %s\n", dec.AgentID)
			fmt.Fprintf(w, "reason:   %s\n", dec.Reason)
			if dec.Via != "" {
				fmt.Fprintf(w, "via team: %s\n", dec.Via)
			}
			fmt.Fprintf(w, "intent:   %s\n", orDash(dec.Intent))
			fmt.Fprintf(w, "priority: %s\n", dec.Priority)
			fmt.Fprintf(w, "deadline: %s\n", orDash(dec.Deadline))
			return nil
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "explicit owner")
	cmd.Flags().StringVar(&intent, "intent", "", "explicit intent")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// newLogsCmd creates the "vegeta logs" subcommand.
func newLogsCmd(a *app) *cobra.Command {
	var (
		kind, agent, typ, session string
		since                     time.Duration
		limit                     int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the operational log",
		Long:  "Prints events, routing decisions and execution outcomes from the operational log.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := oplog.QueryOpts{AgentID: agent, Type: typ, SessionID: session, Limit: limit}
			if kind != "" {
				k, err := oplog.ParseKind(kind)
				if err != nil {
					return err
				}
				opts.Kind = k
			}
			if since > 0 {
				after := time.Now().Add(-since)
				opts.After = &after
			}

			r, err := oplog.NewReader(cmd.Context(), a.paths.StateDB)
			if err != nil {
				return err
			}
			defer r.Close()

			entries, err := r.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "event, decision or outcome (default all)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&typ, "type", "", "event type, decision reason or outcome status")
	cmd.Flags().StringVar(&session, "session", "", "filter by session (work item or sovereign run id)")
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

func printEntries(w io.Writer, entries []oplog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no records found")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-8s  %-10s  %-18s  %s",
			e.TS.Local().Format(time.DateTime), e.Kind, orDash(e.AgentID), e.Type, oneLine(e.Detail, 100))
		if e.ErrorCode != "" {
			line += "  [" + e.ErrorCode + "]"
		}
		fmt.Fprintln(w, line)
	}
}

// newHeartbeatCmd creates the "vegeta heartbeat" command group.
func newHeartbeatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "heartbeat", Short: "Run maintenance cycles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one heartbeat cycle now and print the status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, closeFn, err := a.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			st, cycleErr := d.Heartbeat().RunCycle(cmd.Context())
			renderStatus(cmd.OutOrStdout(), statusReport{State: daemon.StateStopped, Heartbeat: &st}, isTerminal(cmd.OutOrStdout()), time.Now())
			if cycleErr != nil {
				return fmt.Errorf("heartbeat cycle: %w", cycleErr)
			}
			return nil
		},
	})
	return cmd
}

// newSovereignCmd creates the "vegeta sovereign" command group.
func newSovereignCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "sovereign", Short: "Autonomous improvement loops"}

	var opts sovereign.Options
	run := &cobra.Command{
		Use:   "run",
		Short: "Run an agent's sovereign loop in the foreground",
		Long:  "Runs think-act-observe cycles for one agent under the safety policy until\ninterrupted, the cycle limit is hit, or the loop terminates itself.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, closeFn, err := a.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := daemon.SignalContext(cmd.Context())
			defer stop()

			opts.AgentID = strings.ToLower(opts.AgentID)
			sum, runErr := d.Sovereign().Run(ctx, opts)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s (%s): %d cycle(s), %d executed, %d rejected, %d failed, %d violation(s), stop: %s\n",
				sum.RunID, sum.AgentID, sum.Cycles, sum.Executed, sum.Rejected, sum.Failed, sum.Violations, orDash(sum.StopReason))
			if errors.Is(runErr, sovereign.ErrViolationLimit) {
				return fmt.Errorf("sovereign loop terminated: %w", runErr)
			}
			return runErr
		},
	}
	run.Flags().StringVar(&opts.AgentID, "agent", "", "agent id (required)")
	run.Flags().StringVar(&opts.Goal, "goal", "", "goal (default: the agent's configured goal)")
	run.Flags().BoolVar(&opts.DryRun, "dry-run", false, "check and audit actions without executing them")
	run.Flags().IntVar(&opts.MaxCycles, "max-cycles", 0, "stop after N cycles (0 = until interrupted)")
	_ = run.MarkFlagRequired("agent")

	cmd.AddCommand(run)
	return cmd
}

// newPairingCmd creates the "vegeta pairing" command group.
func newPairingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "pairing", Short: "Approve unknown senders"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pairing requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			reqs, err := pairing.NewStore(db).List(cmd.Context(), status)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(w, "no pairing requests")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tSTATUS\tCHANNEL\tSENDER\tREQUESTED")
			for _, r := range reqs {
				sender := r.SenderID
				if r.SenderName != "" {
					sender = fmt.Sprintf("%s (%s)", r.SenderName, r.SenderID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Code, r.Status, r.Channel, sender, r.RequestedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending or approved (default all)")

	approve := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			req, err := pairing.NewStore(db).Approve(cmd.Context(), strings.ToUpper(strings.TrimSpace(args[0])))
			if errors.Is(err, pairing.ErrNotFound) {
				return fmt.Errorf("no pending request with code %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s on %s\n", orDash(req.SenderID), req.Channel)
			return nil
		},
	}

	cmd.AddCommand(list, approve)
	return cmd
}

// newConfigCmd creates the "vegeta config" command group.
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the settings file"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the settings file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := a.settings()
				if err != nil {
					return err
				}
				var sovereigns []string
				for id, ag := range s.Agents {
					if ag.Sovereign.Enabled {
						sovereigns = append(sovereigns, id)
					}
				}
				sort.Strings(sovereigns)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d agents, %d teams, %d schedules, sovereign: %s)\n",
					a.paths.Settings, len(s.Agents), len(s.Teams), len(s.Schedules), orDash(strings.Join(sovereigns, ",")))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the settings with defaults applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := a.settings()
				if err != nil {
					return err
				}
				data, err := config.Encode(s, config.FormatOf(a.paths.Settings))
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
	)
	return cmd
}
