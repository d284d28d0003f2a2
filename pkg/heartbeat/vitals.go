package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"
)

// Vitals is what one cycle observed before acting.
type Vitals struct {
	Mailbox mailbox.Stats
	Agents  map[string]oplog.AgentStat
	// StaleAgents and FailingAgents are sorted worst first.
	StaleAgents          []string
	FailingAgents        []string
	UnavailableProviders []string
	FreeDiskBytes        int64 // -1 when unknown
	DBSizeBytes          int64
	SovereignDown        []string
}

// gather collects vitals. A failing probe is recorded on c and leaves the
// corresponding vital at its zero value.
func (s *Scheduler) gather(ctx context.Context, c *cycle) Vitals {
	hb := c.settings.Heartbeat
	v := Vitals{FreeDiskBytes: -1}

	stats, err := s.deps.Mailbox.Stats(ctx)
	if err != nil {
		c.fail(fmt.Errorf("mailbox stats: %w", err))
	}
	v.Mailbox = stats

	agents, err := s.deps.Log.AgentStats(ctx, c.now.Add(-failureWindow))
	if err != nil {
		c.fail(fmt.Errorf("agent stats: %w", err))
	}
	v.Agents = agents
	v.StaleAgents, v.FailingAgents = classifyAgents(c.settings, agents, c.now, hb.StaleAfter.D(), hb.FailureThreshold)

	if s.deps.Prober != nil {
		probes := s.deps.Prober.ProbeAll(ctx)
		for _, name := range sortedKeys(probes) {
			if err := probes[name]; err != nil {
				v.UnavailableProviders = append(v.UnavailableProviders, name)
				c.warn("provider %s unavailable: %v", name, err)
			}
		}
	}

	if free, err := s.freeDisk(s.homeDir()); err != nil {
		s.logger.Debug("free disk unavailable")
	} else {
		v.FreeDiskBytes = free
	}
	if v.FreeDiskBytes >= 0 && v.FreeDiskBytes < hb.MinFreeDiskMB<<20 {
		c.warn("low disk space (%dMB free)", v.FreeDiskBytes>>20)
	}

	if s.deps.Paths != nil && s.deps.Paths.StateDB != "" {
		size, err := s.dbSize(s.deps.Paths.StateDB)
		if err != nil {
			c.fail(fmt.Errorf("state db size: %w", err))
		}
		v.DBSizeBytes = size
	}

	v.SovereignDown = s.sovereignDown(ctx, c)
	return v
}

// classifyAgents returns the configured agents that are stale (outcomes
// recorded but no success within staleAfter) and failing (more than
// threshold failures in the window). Agents with no recorded outcomes are
// neither.
func classifyAgents(s *config.Settings, stats map[string]oplog.AgentStat, now time.Time, staleAfter time.Duration, threshold int) (stale, failing []string) {
	for _, id := range s.AgentIDs() {
		st, ok := stats[id]
		if !ok {
			continue
		}
		if st.Failures > threshold {
			failing = append(failing, id)
		}
		if st.LastSuccess.IsZero() || now.Sub(st.LastSuccess) > staleAfter {
			stale = append(stale, id)
		}
	}
	sort.SliceStable(failing, func(i, j int) bool { return stats[failing[i]].Failures > stats[failing[j]].Failures })
	sort.SliceStable(stale, func(i, j int) bool { return stats[stale[i]].LastSuccess.Before(stats[stale[j]].LastSuccess) })
	return stale, failing
}

// sovereignDown lists agents with an enabled sovereign run whose liveness key
// is missing or older than the alive window.
func (s *Scheduler) sovereignDown(ctx context.Context, c *cycle) []string {
	window := max(2*c.settings.Heartbeat.Interval.D(), 10*c.settings.Sovereign.LoopSleep.D())
	var down []string
	for _, id := range c.settings.AgentIDs() {
		if !c.settings.Agents[id].Sovereign.Enabled {
			continue
		}
		raw, err := s.deps.Memory.GetStatus(ctx, protocol.SovereignAliveKey(id))
		if err != nil {
			c.fail(fmt.Errorf("read sovereign liveness for %s: %w", id, err))
			continue
		}
		last, err := protocol.ParseTime(raw)
		if raw == "" || err != nil || c.now.Sub(last) > window {
			down = append(down, id)
			c.warn("sovereign run for @%s not alive", id)
		}
	}
	return down
}

func (v Vitals) signals(s *config.Settings, lastCycleError bool) Signals {
	hb := s.Heartbeat
	return Signals{
		BacklogOver:          v.Mailbox.Depth() > hb.BacklogThreshold,
		StaleAgents:          len(v.StaleAgents),
		FailingAgents:        len(v.FailingAgents),
		UnavailableProviders: len(v.UnavailableProviders),
		LowDisk:              v.FreeDiskBytes >= 0 && v.FreeDiskBytes < hb.MinFreeDiskMB<<20,
		SovereignDown:        len(v.SovereignDown),
		LastCycleError:       lastCycleError,
	}
}
