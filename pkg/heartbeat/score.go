package heartbeat

import "time"

// Score deductions.
const (
	penaltyBacklog        = 12
	penaltyStaleAgent     = 4
	penaltyFailingAgent   = 8
	penaltyProviderDown   = 8
	penaltyLowDisk        = 10
	penaltyVacuumFailed   = 6
	penaltySovereignDown  = 8
	penaltyLastCycleError = 5
)

// Signals are the inputs to Score. Every field is derived from Vitals and
// this cycle's remedial actions.
type Signals struct {
	BacklogOver          bool
	StaleAgents          int
	FailingAgents        int
	UnavailableProviders int
	LowDisk              bool
	VacuumFailed         bool
	SovereignDown        int
	LastCycleError       bool
}

// Score computes the 0-100 health score. It is a pure function of s.
func Score(s Signals) int {
	score := 100
	if s.BacklogOver {
		score -= penaltyBacklog
	}
	score -= penaltyStaleAgent * max(s.StaleAgents, 0)
	score -= penaltyFailingAgent * max(s.FailingAgents, 0)
	score -= penaltyProviderDown * max(s.UnavailableProviders, 0)
	if s.LowDisk {
		score -= penaltyLowDisk
	}
	if s.VacuumFailed {
		score -= penaltyVacuumFailed
	}
	score -= penaltySovereignDown * max(s.SovereignDown, 0)
	if s.LastCycleError {
		score -= penaltyLastCycleError
	}
	return min(max(score, 0), 100)
}

// NextDelay is the sleep after a cycle: interval doubled per consecutive
// failure, capped at maxBackoff. Zero failures gives interval.
func NextDelay(interval, maxBackoff time.Duration, failures int) time.Duration {
	d := interval
	for range max(failures, 0) {
		if d >= maxBackoff {
			break
		}
		d *= 2
	}
	if maxBackoff > 0 && d > maxBackoff {
		return maxBackoff
	}
	return d
}
