package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
)

func testDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLPolicyStoreRoundtrip(t *testing.T) {
	db := testDB(t)
	store := NewSQLPolicyStore(db)
	ctx := context.Background()

	p := &abac.Policy{
		ID:      "p-1",
		Name:    "allow read",
		Text:    `permit(principal, action == "read", resource.type == "document")`,
		Status:  abac.StatusActive,
		Version: 1,
		Author:  "alice",
		Tags:    []string{"baseline"},
	}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreatePolicy(ctx, p); !abac.IsConflict(err) {
		t.Fatalf("duplicate create must conflict, got %v", err)
	}

	got, err := store.GetPolicy(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != p.Text || got.Version != 1 || got.Author != "alice" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "baseline" {
		t.Fatalf("tags lost in round trip: %v", got.Tags)
	}

	if _, err := store.GetPolicy(ctx, "missing"); !abac.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}

	p.Version = 2
	p.Text = `forbid(principal, action == "read", resource.type == "document")`
	if err := store.UpdatePolicy(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	history, err := store.GetPolicyHistory(ctx, "p-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Version != 1 || history[1].Version != 2 {
		t.Fatalf("history must be ordered by write: %d, %d", history[0].Version, history[1].Version)
	}

	if err := store.DeletePolicy(ctx, "p-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeletePolicy(ctx, "p-1"); !abac.IsNotFound(err) {
		t.Fatalf("repeat delete must not-found, got %v", err)
	}
}

func TestSQLPolicyStoreListFilters(t *testing.T) {
	db := testDB(t)
	store := NewSQLPolicyStore(db)
	ctx := context.Background()

	seed := []*abac.Policy{
		{ID: "p-1", Text: "t", Status: abac.StatusActive, Version: 1, Tags: []string{"prod"}},
		{ID: "p-2", Text: "t", Status: abac.StatusDraft, Version: 1, Tags: []string{"prod"}},
		{ID: "p-3", Text: "t", Status: abac.StatusActive, Version: 1},
	}
	for _, p := range seed {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}

	active, err := store.ListPolicies(ctx, abac.PolicyFilter{Status: abac.StatusActive})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}

	tagged, err := store.ListPolicies(ctx, abac.PolicyFilter{Tag: "prod"})
	if err != nil {
		t.Fatalf("list tagged: %v", err)
	}
	if len(tagged) != 2 {
		t.Fatalf("expected 2 tagged, got %d", len(tagged))
	}

	page, err := store.ListPolicies(ctx, abac.PolicyFilter{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "p-2" {
		t.Fatalf("pagination mismatch: %+v", page)
	}
}

func TestSQLGrantStoreRoundtrip(t *testing.T) {
	db := testDB(t)
	store := NewSQLGrantStore(db)
	ctx := context.Background()

	g := &abac.EmergencyGrant{
		ID:        "eg-1",
		Requester: "oncall-1",
		Scope:     abac.GrantScope{Action: "deploy", ResourceType: "pipeline"},
		Reason:    "prod outage",
		Quorum:    2,
		Duration:  30 * time.Minute,
		Status:    abac.GrantPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateGrant(ctx, g); !abac.IsConflict(err) {
		t.Fatalf("duplicate create must conflict, got %v", err)
	}

	got, err := store.GetGrant(ctx, "eg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requester != "oncall-1" || got.Scope.ResourceType != "pipeline" || got.Duration != 30*time.Minute {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.GrantedAt.IsZero() || !got.ExpiresAt.IsZero() {
		t.Fatalf("pending grant must have zero granted/expires times")
	}

	g.Approvals = []abac.Approval{{Approver: "lead-1", At: time.Now().UTC()}}
	g.Status = abac.GrantActive
	g.GrantedAt = time.Now().UTC()
	g.ExpiresAt = g.GrantedAt.Add(g.Duration)
	if err := store.UpdateGrant(ctx, g); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err = store.GetGrant(ctx, "eg-1")
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if got.Status != abac.GrantActive || len(got.Approvals) != 1 || got.Approvals[0].Approver != "lead-1" {
		t.Fatalf("update lost data: %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatalf("active grant must carry an expiry")
	}

	active, err := store.ListGrants(ctx, abac.GrantActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != "eg-1" {
		t.Fatalf("list by status mismatch: %+v", active)
	}
	pending, err := store.ListGrants(ctx, abac.GrantPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("no grants should be pending, got %d", len(pending))
	}
}

func TestSQLAuditSinkDecisions(t *testing.T) {
	db := testDB(t)
	sink := NewSQLAuditSink(db)
	ctx := context.Background()

	base := time.Now().UTC()
	entries := []*abac.AuditEntry{
		{
			ID:        "a-1",
			Timestamp: base,
			Request: &abac.AccessRequest{
				Principal: abac.Principal{Type: "user", Attrs: map[string]any{"id": "u-1"}},
				Action:    "read",
				Resource:  abac.ResourceRef{Type: "document"},
			},
			Decision: &abac.Decision{
				Outcome:             abac.OutcomeAllow,
				DeterminingPolicies: []string{"p-1"},
				SnapshotVersion:     3,
			},
		},
		{
			ID:        "a-2",
			Timestamp: base.Add(time.Second),
			Request: &abac.AccessRequest{
				Principal: abac.Principal{Type: "user", Attrs: map[string]any{"id": "u-2"}},
				Action:    "delete",
				Resource:  abac.ResourceRef{Type: "document"},
			},
			Decision: &abac.Decision{
				Outcome:    abac.OutcomeDeny,
				Diagnostic: "risk score 80 at or above critical threshold 75",
				Risk:       &abac.RiskScore{Score: 80},
			},
		},
	}
	for _, e := range entries {
		if err := sink.RecordDecision(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.ID, err)
		}
	}

	byPrincipal, err := sink.QueryDecisions(ctx, abac.AuditFilter{PrincipalID: "u-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byPrincipal) != 1 || byPrincipal[0].ID != "a-1" {
		t.Fatalf("principal filter mismatch: %+v", byPrincipal)
	}
	if byPrincipal[0].Decision.SnapshotVersion != 3 || byPrincipal[0].Decision.DeterminingPolicies[0] != "p-1" {
		t.Fatalf("decision fields lost: %+v", byPrincipal[0].Decision)
	}

	denied, err := sink.QueryDecisions(ctx, abac.AuditFilter{Outcome: abac.OutcomeDeny})
	if err != nil {
		t.Fatalf("query denied: %v", err)
	}
	if len(denied) != 1 || denied[0].Decision.Risk == nil || denied[0].Decision.Risk.Score != 80 {
		t.Fatalf("risk annotation lost: %+v", denied)
	}

	if err := sink.PruneDecisions(ctx, base.Add(500*time.Millisecond)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	remaining, err := sink.QueryDecisions(ctx, abac.AuditFilter{})
	if err != nil {
		t.Fatalf("query after prune: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "a-2" {
		t.Fatalf("prune must drop only old rows: %+v", remaining)
	}
}

func TestSQLAuditSinkConflictsAndTransitions(t *testing.T) {
	db := testDB(t)
	sink := NewSQLAuditSink(db)
	ctx := context.Background()

	if err := sink.RecordConflict(ctx, &abac.ConflictReport{
		PolicyA:    "deny-read",
		PolicyB:    "allow-read",
		Overlap:    "opposing effects on action read, resource type document",
		DetectedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record conflict: %v", err)
	}

	if err := sink.RecordGrantTransition(ctx, &abac.GrantTransition{
		GrantID: "eg-1",
		From:    abac.GrantPending,
		To:      abac.GrantActive,
		Actor:   "lead-2",
		At:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record transition: %v", err)
	}
}
