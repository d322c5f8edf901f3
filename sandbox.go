package abac

import (
	"context"
)

// ============================================================================
// POLICY TEST SANDBOX
// ============================================================================

// SandboxResult is the outcome of a dry-run evaluation. Sandbox runs
// never touch the decision cache, never consult risk signals and never
// install anything into the live snapshot.
type SandboxResult struct {
	Decision *Decision `json:"decision"`
	// PolicyMatched reports whether the policy under test was among the
	// determining policies.
	PolicyMatched bool `json:"policy_matched"`
}

// TestPolicyDraft validates draft policy text and evaluates the
// scenario against a transient snapshot holding only that draft.
func (e *Engine) TestPolicyDraft(ctx context.Context, draft string, scenario *AccessRequest) (*SandboxResult, error) {
	ast, err := e.validator.Validate(draft)
	if err != nil {
		return nil, err
	}
	p := &Policy{ID: "sandbox-draft", Text: draft, Status: StatusActive, ast: ast}
	return e.testAgainst(ctx, p, scenario)
}

// TestPolicyByID evaluates the scenario against a transient snapshot
// holding only the stored policy, regardless of its status.
func (e *Engine) TestPolicyByID(ctx context.Context, id string, scenario *AccessRequest) (*SandboxResult, error) {
	p, err := e.policyStore.GetPolicy(ctx, id)
	if err != nil {
		return nil, e.wrapStoreErr("sandbox policy lookup", err)
	}
	if p.ast == nil {
		ast, perr := ParsePolicy(p.Text)
		if perr != nil {
			return nil, perr
		}
		p.ast = ast
	}
	return e.testAgainst(ctx, p, scenario)
}

func (e *Engine) testAgainst(ctx context.Context, p *Policy, scenario *AccessRequest) (*SandboxResult, error) {
	start := e.clock.Now()
	status := p.Status
	p.Status = StatusActive
	snap := buildSnapshot(0, []*Policy{p}, start)
	p.Status = status

	d := e.evaluateSnapshot(ctx, snap, scenario, true)
	d.Timestamp = start
	d.Duration = e.clock.Now().Sub(start)

	matched := false
	for _, id := range d.DeterminingPolicies {
		if id == p.ID {
			matched = true
			break
		}
	}

	e.enqueueAudit(&AuditEntry{
		ID:        Fingerprint(scenario, snap),
		Timestamp: start,
		Request:   scenario,
		Decision:  d,
		Sandbox:   true,
		Metadata:  map[string]any{"policy_under_test": p.ID},
	})
	return &SandboxResult{Decision: d, PolicyMatched: matched}, nil
}
