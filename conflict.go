package abac

import (
	"fmt"
)

// ============================================================================
// CONFLICT DETECTOR
// ============================================================================

// ConflictDetector statically compares a changed policy against the
// other active policies. Two policies conflict when their effects differ
// and their head predicates can hold for the same request without a
// condition that provably partitions the cases. Overlap is checked
// structurally, not by SAT solving: a conflict is reported only when
// overlap can be shown, so complex conditions may hide a real conflict
// (acceptable) but never produce a spurious report.
type ConflictDetector struct {
	clock Clock
}

func NewConflictDetector(clock Clock) *ConflictDetector {
	if clock == nil {
		clock = SystemClock()
	}
	return &ConflictDetector{clock: clock}
}

// Detect returns advisory reports for every active policy whose effect
// opposes the changed policy on a provably overlapping predicate set.
func (d *ConflictDetector) Detect(changed *Policy, active []*Policy) []*ConflictReport {
	if changed.ast == nil {
		return nil
	}
	var reports []*ConflictReport
	for _, other := range active {
		if other.ID == changed.ID || other.ast == nil {
			continue
		}
		if changed.ast.Effect == other.ast.Effect {
			continue
		}
		overlap, desc := predicatesOverlap(changed.ast, other.ast)
		if !overlap {
			continue
		}
		reports = append(reports, &ConflictReport{
			PolicyA:    changed.ID,
			PolicyB:    other.ID,
			Overlap:    desc,
			DetectedAt: d.clock.Now(),
		})
	}
	return reports
}

// predicatesOverlap reports whether the two policies can match the same
// request, with a description of the shared ground when they can.
func predicatesOverlap(a, b *PolicyAST) (bool, string) {
	if !hintsIntersect(a.Actions, b.Actions) {
		return false, ""
	}
	if !hintsIntersect(a.ResourceTypes, b.ResourceTypes) {
		return false, ""
	}
	for _, pair := range [][2]Expr{
		{a.Principal, b.Principal},
		{a.Action, b.Action},
		{a.Resource, b.Resource},
	} {
		if provablyDisjoint(pair[0], pair[1]) {
			return false, ""
		}
	}
	// Conditions partition the cases only when we can prove disjointness.
	// When either condition is too complex to reason about we stay
	// silent rather than risk a false positive.
	ca, caSimple := simpleCondition(a.Condition)
	cb, cbSimple := simpleCondition(b.Condition)
	if !caSimple || !cbSimple {
		return false, ""
	}
	if ca != nil && cb != nil && provablyDisjoint(ca, cb) {
		return false, ""
	}
	if ca != nil && cb != nil && ca.String() != cb.String() {
		// both constrained but not identical and not provably disjoint:
		// undecidable structurally, stay silent
		return false, ""
	}
	return true, overlapDescription(a, b)
}

// simpleCondition classifies a condition as something we can reason
// about: absent (nil returned, simple) or a single comparison.
func simpleCondition(e Expr) (*CmpExpr, bool) {
	switch n := e.(type) {
	case *TrueExpr, nil:
		return nil, true
	case *CmpExpr:
		return n, true
	}
	return nil, false
}

// provablyDisjoint holds when two predicates cannot be simultaneously
// true: equality constraints on the same field with different constants.
func provablyDisjoint(a, b Expr) bool {
	ca, okA := a.(*CmpExpr)
	cb, okB := b.(*CmpExpr)
	if !okA || !okB {
		return false
	}
	if ca.Field != cb.Field || ca.Op != OpEq || cb.Op != OpEq {
		return false
	}
	if _, refA := fieldRef(ca.Value); refA {
		return false
	}
	if _, refB := fieldRef(cb.Value); refB {
		return false
	}
	c, comparable := compareValues(ca.Value, cb.Value)
	return comparable && c != 0
}

func hintsIntersect(a, b []string) bool {
	// empty hint means wildcard
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func overlapDescription(a, b *PolicyAST) string {
	action := anyKey
	if len(a.Actions) > 0 {
		action = a.Actions[0]
	} else if len(b.Actions) > 0 {
		action = b.Actions[0]
	}
	rtype := anyKey
	if len(a.ResourceTypes) > 0 {
		rtype = a.ResourceTypes[0]
	} else if len(b.ResourceTypes) > 0 {
		rtype = b.ResourceTypes[0]
	}
	return fmt.Sprintf("permit/forbid overlap on action=%s resource_type=%s", action, rtype)
}
