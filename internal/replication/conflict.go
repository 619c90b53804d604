package replication

import (
	"reflect"

	"github.com/codetrek/forkdb/pkg/model"
)

// OutcomeKind classifies a conflict resolution result.
type OutcomeKind string

const (
	// OutcomeEqual means fork and master already hold the same document
	// content; nothing needs to change on either side.
	OutcomeEqual OutcomeKind = "equal"

	// OutcomeResolved carries a merged document that both sides converge to.
	OutcomeResolved OutcomeKind = "resolved"

	// OutcomeUnresolvable means the policy cannot merge the divergence.
	// It is fatal for the affected replication state.
	OutcomeUnresolvable OutcomeKind = "unresolvable"
)

// ConflictOutcome is the decision of a ConflictHandler.
type ConflictOutcome struct {
	Kind     OutcomeKind
	Document *model.Document
}

// ConflictHandler decides how divergent fork/master states for the same
// document id are merged. masterState is what master actually holds,
// forkState is what the fork wants, assumedMaster is what the fork believed
// master held when the write was queued (nil = believed absent).
//
// Handlers must be deterministic and side-effect-free: fork and master may
// evaluate the same conflict independently and must reach the same outcome.
type ConflictHandler func(masterState, forkState, assumedMaster *model.Document) ConflictOutcome

// Equal returns an Equal outcome.
func Equal() ConflictOutcome { return ConflictOutcome{Kind: OutcomeEqual} }

// Resolved returns a Resolved outcome carrying the merged document.
func Resolved(doc *model.Document) ConflictOutcome {
	return ConflictOutcome{Kind: OutcomeResolved, Document: doc}
}

// Unresolvable returns an Unresolvable outcome.
func Unresolvable() ConflictOutcome { return ConflictOutcome{Kind: OutcomeUnresolvable} }

// ContentEqual reports whether two document states carry the same content.
// Revisions and write times are replication metadata and do not count.
func ContentEqual(a, b *model.Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Deleted != b.Deleted {
		return false
	}
	return reflect.DeepEqual(a.Data, b.Data)
}

// LastWriteWins resolves conflicts by keeping whichever state was written
// last, ties going to master so both sides agree.
func LastWriteWins() ConflictHandler {
	return func(masterState, forkState, _ *model.Document) ConflictOutcome {
		if ContentEqual(masterState, forkState) {
			return Equal()
		}
		if forkState == nil {
			return Resolved(masterState)
		}
		if masterState == nil || forkState.UpdatedAt > masterState.UpdatedAt {
			return Resolved(forkState)
		}
		return Resolved(masterState)
	}
}

// LastWriteWinsByField resolves conflicts by comparing a single data field,
// higher value wins, ties going to master. Rows where either side lacks the
// field are unresolvable.
func LastWriteWinsByField(field string) ConflictHandler {
	return func(masterState, forkState, _ *model.Document) ConflictOutcome {
		if ContentEqual(masterState, forkState) {
			return Equal()
		}
		if forkState == nil {
			return Resolved(masterState)
		}
		if masterState == nil {
			return Resolved(forkState)
		}
		fv, fok := forkState.Data[field]
		mv, mok := masterState.Data[field]
		if !fok || !mok {
			return Unresolvable()
		}
		if compare(fv, mv) > 0 {
			return Resolved(forkState)
		}
		return Resolved(masterState)
	}
}

// PreferMaster always keeps the master's state.
func PreferMaster() ConflictHandler {
	return func(masterState, forkState, _ *model.Document) ConflictOutcome {
		if ContentEqual(masterState, forkState) {
			return Equal()
		}
		return Resolved(masterState)
	}
}

func compare(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
