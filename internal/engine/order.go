package engine

import (
	"sort"
	"strings"

	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// unrankedIndex sorts dynamic steps (loop iterations, anything not declared
// in the snapshot) after every declared step.
const unrankedIndex = int(^uint(0) >> 1)

// OrderedStep is a step record with its dense presentation sequence.
type OrderedStep struct {
	*store.StepRecord
	Sequence int `json:"sequence"`
}

// ReconstructOrder maps a workflow snapshot plus raw step records to a
// deterministic presentation order. Pure: the same two inputs always produce
// the same ordering, with no external state.
//
// Sort key, in priority order: attempt ascending, declared snapshot index
// ascending (unranked steps after all declared), insertion order ascending,
// step id lexicographic.
func ReconstructOrder(snapshot *schema.WorkflowDefinition, records []*store.StepRecord) []OrderedStep {
	indexes := declaredIndexes(snapshot)

	sorted := make([]*store.StepRecord, len(records))
	copy(sorted, records)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		ai, bi := declaredIndex(indexes, a.StepID), declaredIndex(indexes, b.StepID)
		if ai != bi {
			return ai < bi
		}
		if a.InsertionOrder != b.InsertionOrder {
			return a.InsertionOrder < b.InsertionOrder
		}
		return a.StepID < b.StepID
	})

	ordered := make([]OrderedStep, len(sorted))
	for i, rec := range sorted {
		ordered[i] = OrderedStep{StepRecord: rec, Sequence: i + 1}
	}
	return ordered
}

// declaredIndexes assigns a nominal index to every step id declared anywhere
// in the snapshot's step graph, in document order, composites included.
func declaredIndexes(snapshot *schema.WorkflowDefinition) map[string]int {
	indexes := make(map[string]int)
	if snapshot == nil {
		return indexes
	}
	next := 0
	var visit func(steps []schema.StepNode)
	visit = func(steps []schema.StepNode) {
		for i := range steps {
			node := &steps[i]
			if _, seen := indexes[node.ID]; !seen {
				indexes[node.ID] = next
				next++
			}
			visit(node.Then)
			visit(node.Else)
			visit(node.Steps)
		}
	}
	visit(snapshot.Steps)
	return indexes
}

// declaredIndex resolves a record's nominal index. Loop iteration records
// carry an "id#<n>" suffix; they rank by insertion order after all declared
// steps, together with any other dynamic ids.
func declaredIndex(indexes map[string]int, stepID string) int {
	if idx, ok := indexes[stepID]; ok {
		return idx
	}
	// Strip a subworkflow namespace prefix, if any, before giving up.
	if dot := strings.LastIndex(stepID, "."); dot >= 0 {
		if idx, ok := indexes[stepID[dot+1:]]; ok {
			return idx
		}
	}
	return unrankedIndex
}
