package delegation //nolint:testpackage // property tests reuse the white-box fixture

import (
	"context"
	"fmt"
	"testing"

	"vegeta/pkg/protocol"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDepthMonotonicity walks random delegation chains: every hop increases
// chain_depth by exactly one and nothing is enqueued past the cap.
func TestDepthMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("depth grows by one per hop and stops at the cap", prop.ForAll(
		func(maxDepth, hops, fanout int) bool {
			agents := []string{"a0", "a1", "a2", "a3"}
			f := newFixture(t, Config{MaxDepth: maxDepth}, agents...)
			ctx := context.Background()

			frontier := []protocol.WorkItem{f.root(t, "seed")}
			for hop := 0; hop < hops && len(frontier) > 0; hop++ {
				var next []protocol.WorkItem
				for i, parent := range frontier {
					from := agents[(hop+i)%len(agents)]
					out := ""
					for k := 1; k <= fanout; k++ {
						out += fmt.Sprintf("[@%s: hop %d] ", agents[(hop+i+k)%len(agents)], hop)
					}
					res, err := f.eng.Emit(ctx, parent, from, out)
					if err != nil {
						return false
					}
					if parent.ChainDepth+1 > maxDepth && len(res.Children) > 0 {
						return false
					}
					for _, id := range res.Children {
						child, err := f.mb.Get(ctx, id)
						if err != nil || child.ChainDepth != parent.ChainDepth+1 || child.ChainDepth > maxDepth {
							return false
						}
						// Resolve immediately so chain de-duplication doesn't hide hops.
						if _, err := f.eng.Resolve(ctx, *child, protocol.ExecutionOutcome{Succeeded: true}); err != nil {
							return false
						}
						next = append(next, *child)
					}
				}
				frontier = next
			}

			var deepest int
			if err := f.db.QueryRow(`SELECT COALESCE(MAX(chain_depth), 0) FROM work_items`).Scan(&deepest); err != nil {
				return false
			}
			return deepest <= maxDepth
		},
		gen.IntRange(1, 4),
		gen.IntRange(0, 6),
		gen.IntRange(1, 2),
	))

	properties.TestingRun(t)
}
