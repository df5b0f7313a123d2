package worker

import (
	"sort"

	"github.com/ckzm/orchard/pkg/models"
)

// CompactionState is the working context a session accumulates while
// processing its subset: the resources already fully processed and the
// cross-resource facts needed to correctly process the remainder.
type CompactionState struct {
	// Processed lists resources fully processed so far, in processing order.
	Processed []models.ResourceID
	// Facts are cross-resource notes carried between resources.
	Facts []string
}

// Compactor summarizes accumulated working context to reduce consumption.
// Compaction must be deterministic given the same accumulated state, and must
// preserve the processed list and any facts the remainder depends on.
type Compactor interface {
	Compact(state CompactionState) (CompactionState, error)
}

// SummaryCompactor is the default Compactor: it keeps the processed list
// untouched and deduplicates and sorts the fact list. Sorting makes the
// output a pure function of the input set.
type SummaryCompactor struct{}

// Compact returns the summarized state.
func (SummaryCompactor) Compact(state CompactionState) (CompactionState, error) {
	seen := make(map[string]bool, len(state.Facts))
	facts := make([]string, 0, len(state.Facts))
	for _, f := range state.Facts {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		facts = append(facts, f)
	}
	sort.Strings(facts)

	return CompactionState{
		Processed: state.Processed,
		Facts:     facts,
	}, nil
}

var _ Compactor = SummaryCompactor{}
