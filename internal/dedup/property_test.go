package dedup

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/engramdev/engram/pkg/models"
)

// For any observation order, the engine emits exactly once per strict
// increase of the running-max priority, never more than once per source tier.
func TestEmissionMatchesPriorityAscent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	sources := []models.Source{
		models.SourceFileWatcher,
		models.SourceHook,
		models.SourceStreamJSON,
	}

	properties := gopter.NewProperties(params)
	properties.Property("emissions equal strict ascents of max priority", prop.ForAll(
		func(picks []int) bool {
			e := newTestEngine(DefaultConfig())
			defer e.Close()

			hash := ContentHash("content", "payload", "", "S")
			emitted := 0
			maxSeen := 0
			expected := 0
			for _, p := range picks {
				src := sources[p%len(sources)]
				if src.Priority() > maxSeen {
					maxSeen = src.Priority()
					expected++
				}
				if e.ShouldIngest("S", hash, src) {
					emitted++
				}
			}
			return emitted == expected && emitted <= len(sources)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
