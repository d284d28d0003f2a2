// Package contract applies per-agent execution contracts (timeout, bounded
// retry with backoff, failure classification) to provider calls.
package contract

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"vegeta/pkg/config"
)

// Contract is the per-agent execution policy. Values are copied into each
// invoke and never change mid-call.
type Contract struct {
	Timeout    time.Duration
	MaxRetries int

	// Backoff is an explicit schedule; the last entry repeats. When empty the
	// delay is BackoffBase * 2^attempt capped at BackoffMax.
	Backoff     []time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxJitter bounds the deterministic jitter added to each delay.
	MaxJitter time.Duration
}

// Provider defaults.
const (
	DefaultTimeout       = config.DefaultContractTimeout
	DefaultMaxRetries    = config.DefaultContractRetries
	DefaultBackoffBase   = config.DefaultContractBackoff
	OllamaTimeout        = config.OllamaContractTimeout
	OllamaBackoffBase    = config.OllamaContractBackoff
	DefaultBackoffFactor = config.ContractBackoffFactor
)

// DefaultFor returns the contract used when an agent configures none.
func DefaultFor(provider string) Contract {
	if provider == "ollama" {
		return Contract{
			Timeout:     OllamaTimeout,
			MaxRetries:  DefaultMaxRetries,
			BackoffBase: OllamaBackoffBase,
			BackoffMax:  OllamaBackoffBase * DefaultBackoffFactor,
		}
	}
	return Contract{
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffBase * DefaultBackoffFactor,
	}
}

// ForAgent merges the agent's configured overrides over its provider default.
func ForAgent(s *config.Settings, agentID string) (Contract, error) {
	a, ok := s.Agents[agentID]
	if !ok {
		return Contract{}, fmt.Errorf("no agent %q configured", agentID)
	}
	c := DefaultFor(a.Provider)
	o := a.Contract
	if o.Timeout > 0 {
		c.Timeout = o.Timeout.D()
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if len(o.Backoff) > 0 {
		c.Backoff = make([]time.Duration, len(o.Backoff))
		for i, d := range o.Backoff {
			c.Backoff[i] = d.D()
		}
	}
	if o.BackoffBase > 0 {
		c.BackoffBase = o.BackoffBase.D()
		if o.BackoffMax == 0 {
			c.BackoffMax = c.BackoffBase * DefaultBackoffFactor
		}
	}
	if o.BackoffMax > 0 {
		c.BackoffMax = o.BackoffMax.D()
	}
	return c, nil
}

// Delay returns the sleep before retry number attempt (0-based: the delay
// after the first failed call is Delay(agentID, 0)). Jitter is derived from
// agentID and attempt, so the same inputs always produce the same delay.
func (c Contract) Delay(agentID string, attempt int) time.Duration {
	var base time.Duration
	if len(c.Backoff) > 0 {
		i := attempt
		if i >= len(c.Backoff) {
			i = len(c.Backoff) - 1
		}
		base = c.Backoff[i]
	} else {
		shift := attempt
		if shift > 30 {
			shift = 30
		}
		base = c.BackoffBase * time.Duration(int64(1)<<shift)
		if c.BackoffMax > 0 && (base > c.BackoffMax || base < 0) {
			base = c.BackoffMax
		}
	}
	return base + c.jitter(agentID, attempt)
}

func (c Contract) jitter(agentID string, attempt int) time.Duration {
	if c.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", agentID, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(c.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// MaxWallClock is the longest an invoke under c may take:
// timeout * (retries+1) plus every backoff sleep.
func (c Contract) MaxWallClock(agentID string) time.Duration {
	total := c.Timeout * time.Duration(c.MaxRetries+1)
	for i := 0; i < c.MaxRetries; i++ {
		total += c.Delay(agentID, i)
	}
	return total
}
