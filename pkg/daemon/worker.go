package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/delegation"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"

	"go.uber.org/zap"
)

// workerLoop drains the mailbox until ctx is cancelled. An item already
// claimed is always finished; its provider call is bounded by the contract
// timeout, not by ctx.
func (d *Daemon) workerLoop(ctx context.Context, name string) error {
	log := d.logger.With(zap.String("worker", name))
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := d.mailbox.ClaimNext(ctx, name, mailbox.ClaimFilter{})
		switch {
		case err == nil:
			d.Process(context.WithoutCancel(ctx), *item)
			continue
		case errors.Is(err, mailbox.ErrEmpty):
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn("claim failed", zap.Error(err))
		}

		t := time.NewTimer(d.settings().Mailbox.PollInterval.D())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Process runs one claimed item to a terminal mailbox transition: route,
// execute under the agent's contract, emit hand-offs, complete or fail, and
// deliver whatever is ready for the origin.
func (d *Daemon) Process(ctx context.Context, item protocol.WorkItem) {
	log := d.logger.With(zap.String("item", item.ID), zap.Int("depth", item.ChainDepth))

	dec, err := d.router.Load().Resolve(item)
	if err != nil {
		log.Warn("routing failed", zap.Error(err))
		out := protocol.ExecutionOutcome{
			FailureReason: protocol.FailureRoutingUnresolvable,
			Error:         err.Error(),
		}
		if err := d.oplog.AppendOutcome(ctx, oplog.OutcomeFrom(item.ID, out)); err != nil {
			log.Warn("record routing failure", zap.Error(err))
		}
		d.fail(ctx, item, out)
		return
	}
	if err := d.oplog.AppendDecision(ctx, oplog.Decision{
		SessionID: item.ID,
		AgentID:   dec.AgentID,
		Intent:    dec.Intent,
		Owner:     dec.AgentID,
		Priority:  string(dec.Priority),
		Deadline:  dec.Deadline,
		Reason:    string(dec.Reason),
	}); err != nil {
		log.Warn("record routing decision", zap.Error(err))
	}
	log = log.With(zap.String("agent", dec.AgentID))

	out := d.invoker.InvokeSession(ctx, item.ID, dec.AgentID, item.Payload)
	if !out.Succeeded {
		d.fail(ctx, item, out)
		return
	}

	// Children must exist before the parent completes.
	emitted, err := d.delegation.Emit(ctx, item, dec.AgentID, out.Output)
	if err != nil {
		log.Error("emit hand-offs", zap.Error(err))
	}
	reply := Reply(out.Output, emitted)

	if err := d.mailbox.Complete(ctx, item.ID, item.ClaimedBy, reply); err != nil {
		log.Error("complete item", zap.Error(err))
		return
	}
	log.Info("item completed",
		zap.Duration("duration", out.Duration),
		zap.Int("attempts", out.AttemptCount),
		zap.Int("handoffs", len(emitted.Children)))

	if item.ParentID == "" {
		d.send(ctx, item.Origin, reply)
		return
	}
	d.resolveChild(ctx, item, out)
}

// fail records a failed execution. Items that are re-queued stay silent;
// items that reach Failed surface to the origin, either directly or through
// their parent's fan-in.
func (d *Daemon) fail(ctx context.Context, item protocol.WorkItem, out protocol.ExecutionOutcome) {
	log := d.logger.With(zap.String("item", item.ID))
	state, err := d.mailbox.Fail(ctx, item.ID, item.ClaimedBy, out.FailureReason, out.Error)
	if err != nil {
		log.Error("fail item", zap.Error(err))
		return
	}
	log.Warn("item failed",
		zap.String("reason", string(out.FailureReason)),
		zap.String("state", string(state)),
		zap.String("error", out.Error))
	if state != protocol.StateFailed {
		return
	}
	if item.ParentID != "" {
		d.resolveChild(ctx, item, out)
		return
	}
	d.send(ctx, item.Origin, FailureMessage(out))
}

func (d *Daemon) resolveChild(ctx context.Context, item protocol.WorkItem, out protocol.ExecutionOutcome) {
	agg, err := d.delegation.Resolve(ctx, item, out)
	if err != nil {
		d.logger.Error("resolve hand-off", zap.String("item", item.ID), zap.Error(err))
		return
	}
	if agg != nil {
		d.send(ctx, item.Origin, agg.Combined)
	}
}

// deliverAggregate sends a fan-in result to the origin of its parent.
func (d *Daemon) deliverAggregate(ctx context.Context, agg delegation.Aggregate) {
	parent, err := d.mailbox.Get(ctx, agg.ParentID)
	if err != nil {
		d.logger.Error("load fan-in parent", zap.String("parent", agg.ParentID), zap.Error(err))
		return
	}
	d.send(ctx, parent.Origin, agg.Combined)
}

func (d *Daemon) send(ctx context.Context, origin protocol.Origin, text string) {
	if err := d.deliver.Deliver(ctx, origin, text); err != nil {
		d.logger.Error("deliver", zap.String("channel", origin.Channel), zap.String("sender", origin.SenderID), zap.Error(err))
	}
}

// Reply is the user-visible text for a completed item: the agent output with
// hand-off markers stripped, plus a note when hand-offs were queued.
func Reply(output string, emitted delegation.EmitResult) string {
	_, visible := delegation.ParseDirectives(output)
	return visible + emitted.Note()
}

// FailureMessage renders a terminal failure for the end user. The exact
// reason stays in the operational log.
func FailureMessage(out protocol.ExecutionOutcome) string {
	reason := out.FailureReason
	if reason == "" {
		reason = protocol.FailureUnknown
	}
	msg := fmt.Sprintf("Sorry, I could not complete this request: %s.", reason.Describe())
	if out.AgentID != "" {
		msg += fmt.Sprintf(" (agent: %s)", strings.ToLower(out.AgentID))
	}
	return msg
}
