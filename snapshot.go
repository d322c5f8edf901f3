package abac

import (
	"sort"
	"time"
)

// ============================================================================
// POLICY COMPILER / SNAPSHOT
// ============================================================================

// CompiledPolicy pairs a policy record with its parsed form, ready for
// evaluation without further parsing.
type CompiledPolicy struct {
	ID     string
	Effect Effect
	AST    *PolicyAST
	Source *Policy
}

type indexKey struct {
	action       string
	resourceType string
}

const anyKey = "*"

// Snapshot is an immutable compiled view of all active policies at a
// point in time. Once built and published it is never mutated; a new
// snapshot fully replaces it. In-flight evaluations keep using the
// snapshot they started with.
type Snapshot struct {
	Version  uint64
	Policies []*CompiledPolicy
	BuiltAt  time.Time

	// overlayGrant is set on derived break-glass snapshots so cache
	// keys for overlay evaluations never collide with the base.
	overlayGrant string

	index map[indexKey][]*CompiledPolicy
}

// buildSnapshot compiles the given active policies into a new snapshot
// off to the side. Policies lacking a parsed AST are skipped; the
// validator guarantees persisted active policies always carry one.
func buildSnapshot(version uint64, policies []*Policy, now time.Time) *Snapshot {
	s := &Snapshot{
		Version:  version,
		Policies: make([]*CompiledPolicy, 0, len(policies)),
		BuiltAt:  now,
		index:    make(map[indexKey][]*CompiledPolicy),
	}
	for _, p := range policies {
		if p.Status != StatusActive || p.ast == nil {
			continue
		}
		cp := &CompiledPolicy{ID: p.ID, Effect: p.ast.Effect, AST: p.ast, Source: p}
		s.Policies = append(s.Policies, cp)
	}
	// stable order keeps evaluation deterministic regardless of store
	// iteration order
	sort.Slice(s.Policies, func(i, j int) bool { return s.Policies[i].ID < s.Policies[j].ID })

	for _, cp := range s.Policies {
		actions := cp.AST.Actions
		if len(actions) == 0 {
			actions = []string{anyKey}
		}
		rtypes := cp.AST.ResourceTypes
		if len(rtypes) == 0 {
			rtypes = []string{anyKey}
		}
		for _, a := range actions {
			for _, rt := range rtypes {
				k := indexKey{action: a, resourceType: rt}
				s.index[k] = append(s.index[k], cp)
			}
		}
	}
	return s
}

// Candidates returns the policies that can possibly apply to the given
// action and resource type. This is the coarse filter; full predicate
// matching happens during evaluation.
func (s *Snapshot) Candidates(action, resourceType string) []*CompiledPolicy {
	keys := [4]indexKey{
		{action, resourceType},
		{action, anyKey},
		{anyKey, resourceType},
		{anyKey, anyKey},
	}
	total := 0
	for _, k := range keys {
		total += len(s.index[k])
	}
	if total == 0 {
		return nil
	}
	out := make([]*CompiledPolicy, 0, total)
	for _, k := range keys {
		out = append(out, s.index[k]...)
	}
	return out
}

// withOverlay derives a snapshot containing the base policies plus one
// synthetic break-glass permit. The derived snapshot shares the base
// version but is marked with the grant so it is never cached against
// base-snapshot fingerprints.
func (s *Snapshot) withOverlay(grantID string, synthetic *CompiledPolicy) *Snapshot {
	d := &Snapshot{
		Version:      s.Version,
		Policies:     append(append([]*CompiledPolicy{}, s.Policies...), synthetic),
		BuiltAt:      s.BuiltAt,
		overlayGrant: grantID,
		index:        make(map[indexKey][]*CompiledPolicy, len(s.index)+1),
	}
	for k, v := range s.index {
		d.index[k] = v
	}
	actions := synthetic.AST.Actions
	if len(actions) == 0 {
		actions = []string{anyKey}
	}
	rtypes := synthetic.AST.ResourceTypes
	if len(rtypes) == 0 {
		rtypes = []string{anyKey}
	}
	for _, a := range actions {
		for _, rt := range rtypes {
			k := indexKey{action: a, resourceType: rt}
			d.index[k] = append(append([]*CompiledPolicy{}, s.index[k]...), synthetic)
		}
	}
	return d
}
