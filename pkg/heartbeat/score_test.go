package heartbeat

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		in   Signals
		want int
	}{
		{"healthy", Signals{}, 100},
		{"backlog", Signals{BacklogOver: true}, 88},
		{"agents", Signals{StaleAgents: 2, FailingAgents: 1}, 84},
		{"providers and disk", Signals{UnavailableProviders: 1, LowDisk: true}, 82},
		{"vacuum and last error", Signals{VacuumFailed: true, LastCycleError: true}, 89},
		{"sovereign", Signals{SovereignDown: 2}, 84},
		{"clamped at zero", Signals{StaleAgents: 10, FailingAgents: 10, UnavailableProviders: 5}, 0},
		{"negative counts ignored", Signals{StaleAgents: -3}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.in))
		})
	}
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	signals := gopter.CombineGens(
		gen.Bool(), gen.IntRange(0, 20), gen.IntRange(0, 20), gen.IntRange(0, 10),
		gen.Bool(), gen.Bool(), gen.IntRange(0, 5), gen.Bool(),
	).Map(func(v []any) Signals {
		return Signals{
			BacklogOver:          v[0].(bool),
			StaleAgents:          v[1].(int),
			FailingAgents:        v[2].(int),
			UnavailableProviders: v[3].(int),
			LowDisk:              v[4].(bool),
			VacuumFailed:         v[5].(bool),
			SovereignDown:        v[6].(int),
			LastCycleError:       v[7].(bool),
		}
	})

	properties.Property("same signals give the same score in range", prop.ForAll(
		func(s Signals) bool {
			a, b := Score(s), Score(s)
			return a == b && a >= 0 && a <= 100
		},
		signals,
	))
	properties.Property("an extra stale agent never raises the score", prop.ForAll(
		func(s Signals) bool {
			worse := s
			worse.StaleAgents++
			return Score(worse) <= Score(s)
		},
		signals,
	))
	properties.TestingRun(t)
}

func TestNextDelay(t *testing.T) {
	base, capped := 5*time.Minute, time.Hour
	assert.Equal(t, base, NextDelay(base, capped, 0))
	assert.Equal(t, 10*time.Minute, NextDelay(base, capped, 1))
	assert.Equal(t, 40*time.Minute, NextDelay(base, capped, 3))
	assert.Equal(t, capped, NextDelay(base, capped, 4))
	assert.Equal(t, capped, NextDelay(base, capped, 1000))
}

func TestBrainIssues(t *testing.T) {
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	content := "# Brain\n- [Project]\n- ship docs due: 2026-03-01\n- plan due:2026-04-01\n"
	assert.Equal(t, []string{
		"placeholder project entry still present",
		"overdue item detected (due:2026-03-01)",
	}, BrainIssues(content, today))
	assert.Empty(t, BrainIssues("all good", today))
}
