package abac_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	abac "github.com/oarkflow/abac"
)

func newTestEngine(t *testing.T, opts ...abac.EngineOption) (*abac.Engine, *abac.MemoryAuditSink) {
	t.Helper()
	audit := abac.NewMemoryAuditSink()
	engine, err := abac.NewEngine(abac.NewMemoryPolicyStore(), testSchema(), audit, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, audit
}

func mustCreate(t *testing.T, e *abac.Engine, id, text string) {
	t.Helper()
	p := &abac.Policy{ID: id, Text: text, Status: abac.StatusActive, Author: "tester"}
	if _, err := e.CreatePolicy(context.Background(), p); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func readRequest(principalID, role, docOwner string) *abac.AccessRequest {
	return abac.NewRequestBuilder().
		Principal("user", principalID).
		PrincipalAttr("role", role).
		Action("read").
		Resource("document").
		ResourceAttr("owner", docOwner).
		Build()
}

func TestEvaluateDefaultDeny(t *testing.T) {
	engine, _ := newTestEngine(t)
	d, err := engine.Evaluate(context.Background(), readRequest("u-1", "viewer", "u-2"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("empty policy set must default-deny, got %s", d.Outcome)
	}
	if len(d.DeterminingPolicies) != 0 {
		t.Fatalf("default deny must cite no policies, got %v", d.DeterminingPolicies)
	}
}

func TestEvaluateForbidOverridesPermit(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)
	mustCreate(t, engine, "deny-contractors", `forbid(principal.role == "contractor", action == "read", resource.type == "document")`)

	d, err := engine.Evaluate(context.Background(), readRequest("u-1", "contractor", "u-2"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("forbid must override permit, got %s", d.Outcome)
	}
	if len(d.DeterminingPolicies) != 1 || d.DeterminingPolicies[0] != "deny-contractors" {
		t.Fatalf("expected determining policy deny-contractors, got %v", d.DeterminingPolicies)
	}

	d, err = engine.Evaluate(context.Background(), readRequest("u-2", "engineer", "u-1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeAllow {
		t.Fatalf("engineer should be permitted, got %s (%s)", d.Outcome, d.Diagnostic)
	}
}

func TestEvaluateAdminViewerScenario(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "admin-all", `permit(principal.role == "admin", action, resource.type == "document")`)
	mustCreate(t, engine, "viewer-read", `permit(principal.role == "viewer", action == "read", resource.type == "document")`)
	mustCreate(t, engine, "no-delete-classified", `forbid(principal, action == "delete", resource.type == "document") when { resource.classification == "secret" }`)

	ctx := context.Background()
	del := abac.NewRequestBuilder().
		Principal("user", "root").PrincipalAttr("role", "admin").
		Action("delete").
		Resource("document").ResourceAttr("classification", "secret").
		Build()
	d, err := engine.Evaluate(ctx, del)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("classified delete must be denied even for admins, got %s", d.Outcome)
	}

	write := abac.NewRequestBuilder().
		Principal("user", "v-1").PrincipalAttr("role", "viewer").
		Action("write").
		Resource("document").
		Build()
	d, err = engine.Evaluate(ctx, write)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("viewer write must fall through to default deny, got %s", d.Outcome)
	}

	read := readRequest("v-1", "viewer", "someone")
	d, err = engine.Evaluate(ctx, read)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeAllow {
		t.Fatalf("viewer read should be allowed, got %s", d.Outcome)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "p-b", `permit(principal, action == "read", resource.type == "document")`)
	mustCreate(t, engine, "p-a", `permit(principal, action, resource.type == "document")`)

	ctx := context.Background()
	req := readRequest("u-1", "viewer", "u-2")
	first, err := engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 20; i++ {
		d, err := engine.Evaluate(ctx, req)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d.Outcome != first.Outcome {
			t.Fatalf("outcome changed between identical evaluations")
		}
		if len(d.DeterminingPolicies) != len(first.DeterminingPolicies) {
			t.Fatalf("determining policies changed: %v vs %v", d.DeterminingPolicies, first.DeterminingPolicies)
		}
		for j := range d.DeterminingPolicies {
			if d.DeterminingPolicies[j] != first.DeterminingPolicies[j] {
				t.Fatalf("determining policy order changed: %v vs %v", d.DeterminingPolicies, first.DeterminingPolicies)
			}
		}
	}
}

func TestUpdatePolicyVersionMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "p-1", `permit(principal, action == "read", resource.type == "document")`)

	stale := &abac.Policy{
		ID:      "p-1",
		Text:    `forbid(principal, action == "read", resource.type == "document")`,
		Status:  abac.StatusActive,
		Version: 99,
	}
	_, err := engine.UpdatePolicy(context.Background(), stale)
	if err == nil {
		t.Fatalf("expected version mismatch to fail")
	}
	if !abac.IsConflict(err) {
		t.Fatalf("expected conflict error, got %T: %v", err, err)
	}

	got, err := engine.GetPolicy(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("failed update must not bump the version, got %d", got.Version)
	}
}

func TestSnapshotChangeInvalidatesCachedDecisions(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "p-1", `permit(principal, action == "read", resource.type == "document")`)

	ctx := context.Background()
	req := readRequest("u-1", "viewer", "u-2")
	d, err := engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeAllow {
		t.Fatalf("expected allow before the change, got %s", d.Outcome)
	}
	v1 := d.SnapshotVersion

	update := &abac.Policy{
		ID:      "p-1",
		Text:    `forbid(principal, action == "read", resource.type == "document")`,
		Status:  abac.StatusActive,
		Version: 1,
	}
	if _, err := engine.UpdatePolicy(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	d, err = engine.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("stale cached allow served after policy change")
	}
	if d.SnapshotVersion <= v1 {
		t.Fatalf("snapshot version must advance, got %d then %d", v1, d.SnapshotVersion)
	}
}

func TestSetPolicyStatusRemovesFromSnapshot(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "p-1", `permit(principal, action == "read", resource.type == "document")`)

	ctx := context.Background()
	req := readRequest("u-1", "viewer", "u-2")
	if d, _ := engine.Evaluate(ctx, req); d.Outcome != abac.OutcomeAllow {
		t.Fatalf("expected allow while active")
	}
	if err := engine.SetPolicyStatus(ctx, "p-1", abac.StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if d, _ := engine.Evaluate(ctx, req); d.Outcome != abac.OutcomeDeny {
		t.Fatalf("inactive policy must not grant access")
	}
}

func TestCreatePolicyReportsConflicts(t *testing.T) {
	engine, audit := newTestEngine(t)
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)

	p := &abac.Policy{
		ID:     "deny-read",
		Text:   `forbid(principal, action == "read", resource.type == "document")`,
		Status: abac.StatusActive,
	}
	reports, err := engine.CreatePolicy(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one conflict report, got %d", len(reports))
	}
	r := reports[0]
	if r.PolicyA != "deny-read" || r.PolicyB != "allow-read" {
		t.Fatalf("unexpected pair: %s vs %s", r.PolicyA, r.PolicyB)
	}
	if len(audit.Conflicts()) != 1 {
		t.Fatalf("conflict must be recorded in the audit sink")
	}
}

func TestEvaluateRiskEscalation(t *testing.T) {
	risk := abac.NewRiskEngine(abac.WithRiskThreshold(50))
	risk.Register(abac.WeakAuthSignal{}, 60)
	engine, _ := newTestEngine(t, abac.WithRiskEngine(risk))
	mustCreate(t, engine, "p-1", `permit(principal, action == "read", resource.type == "document")`)

	ctx := context.Background()
	noMFA := readRequest("u-1", "viewer", "u-2")
	d, err := engine.Evaluate(ctx, noMFA)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("risk above threshold must escalate allow to deny, got %s", d.Outcome)
	}
	if d.Risk == nil || d.Risk.Score < 50 {
		t.Fatalf("expected risk annotation at or above threshold, got %+v", d.Risk)
	}

	withMFA := abac.NewRequestBuilder().
		Principal("user", "u-1").PrincipalAttr("role", "viewer").
		Action("read").
		Resource("document").
		Context("mfa", true).
		Build()
	d, err = engine.Evaluate(ctx, withMFA)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeAllow {
		t.Fatalf("low-risk request should stay allowed, got %s (%s)", d.Outcome, d.Diagnostic)
	}
	if d.Risk == nil || d.Risk.Score >= 50 {
		t.Fatalf("expected sub-threshold risk score, got %+v", d.Risk)
	}
}

func TestRiskNeverEscalatesDeny(t *testing.T) {
	risk := abac.NewRiskEngine(abac.WithRiskThreshold(10))
	risk.Register(abac.WeakAuthSignal{}, 90)
	engine, _ := newTestEngine(t, abac.WithRiskEngine(risk))

	d, err := engine.Evaluate(context.Background(), readRequest("u-1", "viewer", "u-2"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("expected deny")
	}
	if d.Risk != nil {
		t.Fatalf("risk must not be consulted for deny outcomes, got %+v", d.Risk)
	}
}

func TestExplainProducesTrace(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)
	mustCreate(t, engine, "deny-contractors", `forbid(principal.role == "contractor", action == "read", resource.type == "document")`)

	d, err := engine.Explain(context.Background(), readRequest("u-1", "contractor", "u-2"))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("expected deny, got %s", d.Outcome)
	}
	if len(d.Trace) < 2 {
		t.Fatalf("expected a per-candidate trace, got %v", d.Trace)
	}
}

func TestBatchEvaluate(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)

	reqs := []*abac.AccessRequest{
		readRequest("u-1", "viewer", "u-2"),
		abac.NewRequestBuilder().Principal("user", "u-1").Action("write").Resource("document").Build(),
	}
	ds, err := engine.BatchEvaluate(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch evaluate: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected two decisions, got %d", len(ds))
	}
	if ds[0].Outcome != abac.OutcomeAllow || ds[1].Outcome != abac.OutcomeDeny {
		t.Fatalf("unexpected outcomes: %s, %s", ds[0].Outcome, ds[1].Outcome)
	}
}

func TestEvaluateCancelledContextFailsClosed(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)

	req := readRequest("u-1", "viewer", "u-2")
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := engine.Evaluate(cancelled, req)
	if err != nil {
		t.Fatalf("evaluate must not surface the context error: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny {
		t.Fatalf("an expired caller deadline must fail closed, got %s", d.Outcome)
	}
	if !strings.HasPrefix(d.Diagnostic, "evaluation aborted:") {
		t.Fatalf("expected abort diagnostic, got %q", d.Diagnostic)
	}
	if len(d.DeterminingPolicies) != 0 {
		t.Fatalf("aborted decisions cite no policies, got %v", d.DeterminingPolicies)
	}

	// the degraded Deny is specific to the aborted caller: a fresh
	// evaluation of the same request must re-run, not hit a cached entry
	d, err = engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeAllow {
		t.Fatalf("fresh evaluation served a stale aborted decision: %s (%s)", d.Outcome, d.Diagnostic)
	}
}

func TestEvaluateTimeoutFailsClosed(t *testing.T) {
	engine, _ := newTestEngine(t, abac.WithEvalTimeout(time.Nanosecond))
	mustCreate(t, engine, "allow-read", `permit(principal, action == "read", resource.type == "document")`)

	d, err := engine.Evaluate(context.Background(), readRequest("u-1", "viewer", "u-2"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != abac.OutcomeDeny || !strings.HasPrefix(d.Diagnostic, "evaluation aborted:") {
		t.Fatalf("expired evaluation budget must deny with a diagnostic, got %s (%q)", d.Outcome, d.Diagnostic)
	}
}

type roleGuard struct{ admin string }

func (g roleGuard) CanManage(_ context.Context, actor string) bool { return actor == g.admin }

func TestManagementGuard(t *testing.T) {
	engine, _ := newTestEngine(t, abac.WithManagementGuard(roleGuard{admin: "root"}))

	if err := engine.CheckManagement(context.Background(), "root"); err != nil {
		t.Fatalf("configured admin must pass: %v", err)
	}
	err := engine.CheckManagement(context.Background(), "intern")
	if err == nil {
		t.Fatalf("non-admin must be rejected")
	}
	var denied *abac.AuthorizationDeniedError
	if !errors.As(err, &denied) || denied.Actor != "intern" {
		t.Fatalf("expected AuthorizationDeniedError for intern, got %T: %v", err, err)
	}

	// without a guard every actor may manage
	open, _ := newTestEngine(t)
	if err := open.CheckManagement(context.Background(), "anyone"); err != nil {
		t.Fatalf("guardless engine must accept: %v", err)
	}
}

func TestSubscribeReceivesPolicyEvents(t *testing.T) {
	engine, _ := newTestEngine(t)
	events := make(chan abac.Event, 16)
	engine.Subscribe(func(ev abac.Event) { events <- ev })

	mustCreate(t, engine, "p-1", `permit(principal, action == "read", resource.type == "document")`)

	select {
	case ev := <-events:
		if ev.Type != abac.EventPolicyCreated || ev.PolicyID != "p-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for policy.created event")
	}
}
