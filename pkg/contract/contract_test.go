package contract

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/protocol"
)

func TestDefaultFor(t *testing.T) {
	if c := DefaultFor("ollama"); c.Timeout != 420*time.Second || c.BackoffBase != 800*time.Millisecond || c.MaxRetries != 1 {
		t.Errorf("unexpected ollama default: %+v", c)
	}
	if c := DefaultFor("claude"); c.Timeout != 240*time.Second || c.BackoffBase != 600*time.Millisecond || c.MaxRetries != 1 {
		t.Errorf("unexpected default: %+v", c)
	}
}

func TestForAgent_Overrides(t *testing.T) {
	s, err := config.Parse([]byte(`
agents:
  coder:
    provider: codex
    contract:
      timeout: 30s
      max_retries: 0
  ops:
    provider: ollama
    contract:
      backoff: [1s, 5s]
`), config.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	c, err := ForAgent(s, "coder")
	if err != nil {
		t.Fatalf("ForAgent: %v", err)
	}
	if c.Timeout != 30*time.Second || c.MaxRetries != 0 {
		t.Errorf("overrides not applied: %+v", c)
	}

	c, err = ForAgent(s, "ops")
	if err != nil {
		t.Fatalf("ForAgent: %v", err)
	}
	if c.Timeout != OllamaTimeout || len(c.Backoff) != 2 {
		t.Errorf("expected ollama timeout with explicit backoff, got %+v", c)
	}

	if _, err := ForAgent(s, "ghost"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestMaxWallClock_MatchesSettingsBound(t *testing.T) {
	s, err := config.Parse([]byte(`
agents:
  assistant:
    provider: claude
  coder:
    provider: codex
    contract:
      timeout: 90s
      max_retries: 3
      backoff_base: 2s
      backoff_max: 5s
  ops:
    provider: ollama
    contract:
      max_retries: 2
      backoff: [1s, 5s]
  none:
    provider: claude
    contract:
      max_retries: 0
`), config.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, id := range s.AgentIDs() {
		c, err := ForAgent(s, id)
		if err != nil {
			t.Fatalf("ForAgent(%s): %v", id, err)
		}
		if got, want := c.MaxWallClock(id), s.MaxInvokeDuration(id); got != want {
			t.Errorf("%s: MaxWallClock = %v, settings bound = %v", id, got, want)
		}
	}
}

func TestDelay(t *testing.T) {
	exp := Contract{BackoffBase: 100 * time.Millisecond, BackoffMax: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := exp.Delay("a", i); got != w {
			t.Errorf("exponential Delay(%d) = %v, want %v", i, got, w)
		}
	}

	list := Contract{Backoff: []time.Duration{time.Second, 3 * time.Second}}
	if got := list.Delay("a", 5); got != 3*time.Second {
		t.Errorf("explicit schedule must repeat its last entry, got %v", got)
	}

	jittered := Contract{BackoffBase: time.Second, BackoffMax: time.Minute, MaxJitter: 500 * time.Millisecond}
	first := jittered.Delay("coder", 1)
	if first < 2*time.Second || first >= 2*time.Second+500*time.Millisecond {
		t.Errorf("jitter out of range: %v", first)
	}
	if again := jittered.Delay("coder", 1); again != first {
		t.Errorf("jitter must be deterministic: %v vs %v", first, again)
	}
}

func TestMaxWallClock(t *testing.T) {
	c := Contract{Timeout: time.Second, MaxRetries: 2, Backoff: []time.Duration{100 * time.Millisecond}}
	if got, want := c.MaxWallClock("a"), 3*time.Second+200*time.Millisecond; got != want {
		t.Errorf("MaxWallClock = %v, want %v", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.FailureReason
	}{
		{context.DeadlineExceeded, protocol.FailureTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), protocol.FailureTimeout},
		{&exec.Error{Name: "claude", Err: exec.ErrNotFound}, protocol.FailureNotInstalled},
		{errors.New("HTTP 401 Unauthorized"), protocol.FailureUnauthorized},
		{errors.New("Please sign in again"), protocol.FailureUnauthorized},
		{errors.New("bash: codex: command not found"), protocol.FailureNotInstalled},
		{errors.New("failed to connect to localhost:11434"), protocol.FailureProviderUnavailable},
		{errors.New("upstream returned 503"), protocol.FailureProviderUnavailable},
		{errors.New("rate limit exceeded"), protocol.FailureProviderUnavailable},
		{errors.New("model produced garbage"), protocol.FailureUnknown},
		{errors.New("HTTP 403"), protocol.FailureUnauthorized},
		{errors.New(`POST /v1/messages: 503 Service Unavailable {"request_id":"req_9c4013ab"}`), protocol.FailureProviderUnavailable},
		{errors.New("dial tcp 10.0.0.7:4030: connect: connection refused"), protocol.FailureProviderUnavailable},
		{errors.New("upstream 502 after 4010ms"), protocol.FailureProviderUnavailable},
		{&protocol.ProviderError{Provider: "x", Reason: protocol.FailureUnauthorized}, protocol.FailureUnauthorized},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
