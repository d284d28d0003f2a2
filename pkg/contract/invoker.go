package contract

import (
	"context"
	"fmt"
	"time"

	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Gateway is the Provider Gateway: one blocking call with text in and text
// out. Implementations must honour ctx; the invoker also enforces
// c.Timeout itself.
type Gateway interface {
	Call(ctx context.Context, agentID, prompt string, c Contract) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, agentID, prompt string, c Contract) (string, error)

// Call implements Gateway.
func (f GatewayFunc) Call(ctx context.Context, agentID, prompt string, c Contract) (string, error) {
	return f(ctx, agentID, prompt, c)
}

// Recorder receives every outcome. *oplog.Log satisfies it.
type Recorder interface {
	AppendOutcome(ctx context.Context, o oplog.Outcome) error
}

// Resolver returns the contract for an agent.
type Resolver func(agentID string) (Contract, error)

// Invoker runs provider calls under their agent's contract.
type Invoker struct {
	gw       Gateway
	resolve  Resolver
	recorder Recorder
	logger   *zap.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter
	outcomes metric.Int64Counter

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewInvoker wires an Invoker. recorder may be nil.
func NewInvoker(gw Gateway, resolve Resolver, recorder Recorder, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("vegeta/contract")
	attempts, _ := meter.Int64Counter("vegeta.contract.attempts",
		metric.WithDescription("Provider calls made, including retries"),
		metric.WithUnit("{call}"))
	outcomes, _ := meter.Int64Counter("vegeta.contract.outcomes",
		metric.WithDescription("Invoke outcomes by failure reason"),
		metric.WithUnit("{invoke}"))
	return &Invoker{
		gw:       gw,
		resolve:  resolve,
		recorder: recorder,
		logger:   logger.Named("contract"),
		tracer:   otel.Tracer("vegeta/contract"),
		attempts: attempts,
		outcomes: outcomes,
		sleep:    sleepCtx,
		nowFunc:  time.Now,
	}
}

// SetResolver swaps the contract source, e.g. after a settings reload.
// Calls already running keep the contract they started with.
func (inv *Invoker) SetResolver(r Resolver) {
	if r != nil {
		inv.resolve = r
	}
}

// Invoke calls the provider for agentID under its contract.
func (inv *Invoker) Invoke(ctx context.Context, agentID, prompt string) protocol.ExecutionOutcome {
	return inv.InvokeSession(ctx, "", agentID, prompt)
}

// InvokeSession is Invoke with a session id recorded on the outcome log
// entry (the WorkItem root id or sovereign run id).
//
// Transient failures (timeout, provider_unavailable, unknown) are retried up
// to MaxRetries times with the contract's backoff. Terminal failures return
// at once. Total time is bounded by c.MaxWallClock even if the gateway
// ignores its context.
func (inv *Invoker) InvokeSession(ctx context.Context, sessionID, agentID, prompt string) protocol.ExecutionOutcome {
	start := inv.nowFunc()
	out := protocol.ExecutionOutcome{AgentID: agentID}

	ctx, span := inv.tracer.Start(ctx, "contract.invoke",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	c, err := inv.resolve(agentID)
	if err != nil {
		out.FailureReason = protocol.FailureRoutingUnresolvable
		out.Error = err.Error()
		return inv.finish(ctx, span, sessionID, start, out)
	}

	for attempt := 0; ; attempt++ {
		out.AttemptCount = attempt + 1
		inv.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", agentID)))

		text, err := inv.callOnce(ctx, agentID, prompt, c)
		if err == nil {
			out.Succeeded = true
			out.Output = text
			out.FailureReason = ""
			out.Error = ""
			return inv.finish(ctx, span, sessionID, start, out)
		}

		out.FailureReason = Classify(err)
		out.Error = err.Error()
		inv.logger.Warn("provider call failed",
			zap.String("agent", agentID),
			zap.Int("attempt", out.AttemptCount),
			zap.String("reason", string(out.FailureReason)),
			zap.Error(err))

		if !out.FailureReason.Retryable() || attempt >= c.MaxRetries || ctx.Err() != nil {
			return inv.finish(ctx, span, sessionID, start, out)
		}
		if err := inv.sleep(ctx, c.Delay(agentID, attempt)); err != nil {
			return inv.finish(ctx, span, sessionID, start, out)
		}
	}
}

type callResult struct {
	text string
	err  error
}

// callOnce runs one gateway call under c.Timeout. The call runs on its own
// goroutine so a gateway that ignores ctx still cannot hold the invoker past
// the deadline.
func (inv *Invoker) callOnce(ctx context.Context, agentID, prompt string, c Contract) (string, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		text, err := inv.gw.Call(callCtx, agentID, prompt, c)
		done <- callResult{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && callCtx.Err() != nil && ctx.Err() == nil {
			// The gateway surfaced the timeout as a generic error.
			return "", fmt.Errorf("%w: %w", context.DeadlineExceeded, r.err)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("provider call for %s exceeded %s: %w", agentID, c.Timeout, context.DeadlineExceeded)
	}
}

func (inv *Invoker) finish(ctx context.Context, span trace.Span, sessionID string, start time.Time, out protocol.ExecutionOutcome) protocol.ExecutionOutcome {
	out.Duration = inv.nowFunc().Sub(start)

	reason := "success"
	if !out.Succeeded {
		reason = string(out.FailureReason)
		span.SetStatus(codes.Error, out.Error)
	}
	span.SetAttributes(
		attribute.Int("attempts", out.AttemptCount),
		attribute.String("outcome", reason))
	inv.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", out.AgentID),
		attribute.String("reason", reason)))

	if inv.recorder != nil {
		// Record even when ctx is cancelled so shutdown-time failures are kept.
		recCtx := context.WithoutCancel(ctx)
		if err := inv.recorder.AppendOutcome(recCtx, oplog.OutcomeFrom(sessionID, out)); err != nil {
			inv.logger.Error("record outcome", zap.String("agent", out.AgentID), zap.Error(err))
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
