package abac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/utils"
)

// ============================================================================
// DECISION ENGINE
// ============================================================================

// ManagementGuard decides whether an actor may manage policies. The
// check is exposed separately from CRUD so transport layers can reject
// callers with a typed AuthorizationDeniedError before touching state.
type ManagementGuard interface {
	CanManage(ctx context.Context, actor string) bool
}

// Engine owns the current snapshot pointer, the decision cache and the
// evaluation path. Readers never block on writers: evaluation operates
// on a snapshot reference loaded once per call, and publishing swaps an
// atomic pointer after the replacement snapshot is fully built.
type Engine struct {
	policyStore PolicyStore
	schema      SchemaPort
	audit       AuditSink
	clock       Clock
	log         logger.Logger
	validator   *Validator
	cache       *DecisionCache
	risk        *RiskEngine
	conflicts   *ConflictDetector
	guard       ManagementGuard

	snapshot  atomic.Pointer[Snapshot]
	publishMu sync.Mutex // serializes snapshot publication among writers

	overlayMu sync.RWMutex
	overlays  map[string]*overlayEntry // requester id -> active break-glass overlay

	listenerMu sync.RWMutex
	listeners  []EventListener

	auditCh     chan *AuditEntry
	eventCh     chan Event
	closeOnce   sync.Once
	workersDone sync.WaitGroup

	evalTimeout time.Duration
}

type overlayEntry struct {
	grant       *EmergencyGrant
	baseVersion uint64
	snap        *Snapshot
}

type EngineOption func(*Engine)

func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithRiskEngine(r *RiskEngine) EngineOption {
	return func(e *Engine) { e.risk = r }
}

func WithManagementGuard(g ManagementGuard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

// WithEvalTimeout bounds a single evaluation; on expiry the decision
// fails closed to Deny.
func WithEvalTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.evalTimeout = d
		}
	}
}

func WithDecisionCacheConfig(cfg DecisionCacheConfig) EngineOption {
	return func(e *Engine) {
		if c, err := NewDecisionCache(cfg); err == nil {
			e.cache = c
		}
	}
}

func NewEngine(policyStore PolicyStore, schema SchemaPort, audit AuditSink, opts ...EngineOption) (*Engine, error) {
	if policyStore == nil || schema == nil || audit == nil {
		return nil, errors.New("policy store, schema and audit sink are required")
	}
	e := &Engine{
		policyStore: policyStore,
		schema:      schema,
		audit:       audit,
		clock:       SystemClock(),
		log:         logger.Null(),
		overlays:    make(map[string]*overlayEntry),
		evalTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.validator = NewValidator(e.schema)
	e.conflicts = NewConflictDetector(e.clock)
	if e.cache == nil {
		c, err := NewDecisionCache(DecisionCacheConfig{})
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
		e.cache = c
	}
	e.snapshot.Store(buildSnapshot(0, nil, e.clock.Now()))

	e.auditCh = make(chan *AuditEntry, 1024)
	e.eventCh = make(chan Event, 256)
	e.workersDone.Add(2)
	go e.auditWorker()
	go e.eventWorker()
	return e, nil
}

// Close stops the audit and event workers. Pending records are drained.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.auditCh)
		close(e.eventCh)
	})
	e.workersDone.Wait()
	e.cache.Close()
}

func (e *Engine) auditWorker() {
	defer e.workersDone.Done()
	bg := context.Background()
	for entry := range e.auditCh {
		if err := e.audit.RecordDecision(bg, entry); err != nil {
			e.log.Error("audit sink rejected decision", "error", err.Error())
		}
	}
}

func (e *Engine) eventWorker() {
	defer e.workersDone.Done()
	for ev := range e.eventCh {
		e.listenerMu.RLock()
		listeners := e.listeners
		e.listenerMu.RUnlock()
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Subscribe registers a listener for domain events.
func (e *Engine) Subscribe(l EventListener) {
	if l == nil {
		return
	}
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	ev.At = e.clock.Now()
	select {
	case e.eventCh <- ev:
	default:
		e.log.Error("event channel full, dropping", "type", string(ev.Type))
	}
}

func (e *Engine) enqueueAudit(entry *AuditEntry) {
	select {
	case e.auditCh <- entry:
	default:
		e.log.Error("audit channel full, dropping entry", "id", entry.ID)
	}
}

// CheckManagement returns a typed error when the actor may not manage
// policies. With no guard configured every actor is accepted.
func (e *Engine) CheckManagement(ctx context.Context, actor string) error {
	if e.guard != nil && !e.guard.CanManage(ctx, actor) {
		return &AuthorizationDeniedError{Actor: actor}
	}
	return nil
}

// ============================================================================
// POLICY CRUD
// ============================================================================

// CreatePolicy validates, persists and (when active) publishes the
// policy. Returned conflict reports are advisory; they never block
// persistence.
func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) ([]*ConflictReport, error) {
	ast, err := e.validator.Validate(p.Text)
	if err != nil {
		return nil, err
	}
	p.ast = ast
	if p.Status == "" {
		p.Status = StatusDraft
	}
	now := e.clock.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := e.policyStore.CreatePolicy(ctx, p); err != nil {
		return nil, e.wrapStoreErr("create policy", err)
	}
	reports := e.detectConflicts(ctx, p)
	if err := e.republish(ctx); err != nil {
		return reports, err
	}
	e.emit(Event{Type: EventPolicyCreated, PolicyID: p.ID})
	return reports, nil
}

// UpdatePolicy replaces a policy's content. The caller passes the
// version it read; a mismatch with the stored version fails with a
// ConflictError and writes nothing.
func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) ([]*ConflictReport, error) {
	existing, err := e.policyStore.GetPolicy(ctx, p.ID)
	if err != nil {
		return nil, e.wrapStoreErr("update policy", err)
	}
	if p.Version != existing.Version {
		return nil, &ConflictError{
			Reason: fmt.Sprintf("version mismatch: have %d, want %d", p.Version, existing.Version),
			ID:     p.ID,
		}
	}
	ast, err := e.validator.Validate(p.Text)
	if err != nil {
		return nil, err
	}
	p.ast = ast
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = e.clock.Now()
	if p.Status == "" {
		p.Status = existing.Status
	}
	if err := e.policyStore.UpdatePolicy(ctx, p); err != nil {
		return nil, e.wrapStoreErr("update policy", err)
	}
	reports := e.detectConflicts(ctx, p)
	if err := e.republish(ctx); err != nil {
		return reports, err
	}
	e.emit(Event{Type: EventPolicyUpdated, PolicyID: p.ID, Detail: map[string]any{"version": p.Version}})
	return reports, nil
}

func (e *Engine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	p, err := e.policyStore.GetPolicy(ctx, id)
	if err != nil {
		return nil, e.wrapStoreErr("get policy", err)
	}
	return p, nil
}

func (e *Engine) ListPolicies(ctx context.Context, filter PolicyFilter) ([]*Policy, error) {
	out, err := e.policyStore.ListPolicies(ctx, filter)
	if err != nil {
		return nil, e.wrapStoreErr("list policies", err)
	}
	return out, nil
}

func (e *Engine) GetPolicyHistory(ctx context.Context, id string) ([]*Policy, error) {
	out, err := e.policyStore.GetPolicyHistory(ctx, id)
	if err != nil {
		return nil, e.wrapStoreErr("policy history", err)
	}
	return out, nil
}

func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.policyStore.DeletePolicy(ctx, id); err != nil {
		return e.wrapStoreErr("delete policy", err)
	}
	if err := e.republish(ctx); err != nil {
		return err
	}
	e.emit(Event{Type: EventPolicyDeleted, PolicyID: id})
	return nil
}

// SetPolicyStatus transitions a policy's lifecycle status. Content is
// untouched so the policy version does not change; the snapshot version
// does.
func (e *Engine) SetPolicyStatus(ctx context.Context, id string, status PolicyStatus) error {
	p, err := e.policyStore.GetPolicy(ctx, id)
	if err != nil {
		return e.wrapStoreErr("set policy status", err)
	}
	if p.Status == status {
		return nil
	}
	from := p.Status
	p.Status = status
	p.UpdatedAt = e.clock.Now()
	if p.ast == nil {
		if ast, verr := e.validator.Validate(p.Text); verr == nil {
			p.ast = ast
		}
	}
	if err := e.policyStore.UpdatePolicy(ctx, p); err != nil {
		return e.wrapStoreErr("set policy status", err)
	}
	if err := e.republish(ctx); err != nil {
		return err
	}
	e.emit(Event{Type: EventPolicyStatusChanged, PolicyID: id, Detail: map[string]any{
		"from": string(from), "to": string(status),
	}})
	return nil
}

func (e *Engine) detectConflicts(ctx context.Context, changed *Policy) []*ConflictReport {
	if changed.Status != StatusActive {
		return nil
	}
	active, err := e.activePolicies(ctx)
	if err != nil {
		e.log.Error("conflict detection skipped", "error", err.Error())
		return nil
	}
	reports := e.conflicts.Detect(changed, active)
	for _, r := range reports {
		if err := e.audit.RecordConflict(ctx, r); err != nil {
			e.log.Error("audit sink rejected conflict report", "error", err.Error())
		}
		e.emit(Event{Type: EventConflictDetected, PolicyID: r.PolicyA, Detail: map[string]any{
			"other": r.PolicyB, "overlap": r.Overlap,
		}})
	}
	return reports
}

func (e *Engine) activePolicies(ctx context.Context) ([]*Policy, error) {
	list, err := e.policyStore.ListPolicies(ctx, PolicyFilter{Status: StatusActive})
	if err != nil {
		return nil, e.wrapStoreErr("list active policies", err)
	}
	for _, p := range list {
		if p.ast == nil {
			ast, perr := ParsePolicy(p.Text)
			if perr != nil {
				e.log.Error("stored policy no longer parses, excluded from snapshot", "policy", p.ID, "error", perr.Error())
				continue
			}
			p.ast = ast
		}
	}
	return list, nil
}

// Reload rebuilds the snapshot from the store, picking up records
// written outside this engine instance.
func (e *Engine) Reload(ctx context.Context) error {
	return e.republish(ctx)
}

// republish builds the replacement snapshot off to the side and makes
// it visible with a single pointer swap. In-flight evaluations keep the
// snapshot they loaded; the cache is invalidated lazily by version
// comparison.
func (e *Engine) republish(ctx context.Context) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	active, err := e.activePolicies(ctx)
	if err != nil {
		return err
	}
	prev := e.snapshot.Load()
	next := buildSnapshot(prev.Version+1, active, e.clock.Now())
	e.snapshot.Store(next)
	e.log.Debug("snapshot published", "version", next.Version, "policies", len(next.Policies))
	return nil
}

// CurrentSnapshotVersion returns the version of the live snapshot.
func (e *Engine) CurrentSnapshotVersion() uint64 {
	return e.snapshot.Load().Version
}

func (e *Engine) wrapStoreErr(op string, err error) error {
	var nf *NotFoundError
	var cf *ConflictError
	if errors.As(err, &nf) || errors.As(err, &cf) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// ============================================================================
// EVALUATION
// ============================================================================

// Evaluate decides an access request against the current snapshot.
// Combination rule: any matching forbid denies; otherwise any matching
// permit allows; otherwise default-deny. Internal failures never
// propagate: the decision fails closed with a diagnostic.
func (e *Engine) Evaluate(ctx context.Context, req *AccessRequest) (*Decision, error) {
	start := e.clock.Now()
	snap := e.snapshotFor(req)

	fp := Fingerprint(req, snap)
	overlay := snap.overlayGrant != ""
	if !overlay {
		if cached, ok := e.cache.Get(fp, snap.Version); ok {
			e.recordDecision(req, cached, snap)
			return cached, nil
		}
	}

	if e.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.evalTimeout)
		defer cancel()
	}

	d := e.evaluateSnapshot(ctx, snap, req, false)

	// Risk post-filter: ordinary allows only. A request that already
	// evaluates to Deny is never escalated, and break-glass overrides
	// bypass risk scoring.
	if d.Outcome == OutcomeAllow && e.risk != nil && !overlay {
		rs := e.risk.Score(ctx, req)
		d.Risk = rs
		if rs.Score >= e.risk.CriticalThreshold() {
			d.Outcome = OutcomeDeny
			d.Diagnostic = fmt.Sprintf("risk score %d at or above critical threshold %d", rs.Score, e.risk.CriticalThreshold())
		}
	}

	d.Timestamp = start
	d.Duration = e.clock.Now().Sub(start)

	// An aborted decision reflects this caller's expired deadline, not
	// the policy set; caching it would serve the degraded Deny to
	// everyone until the TTL runs out.
	if !overlay && !d.aborted {
		e.cache.Put(fp, snap.Version, d, start)
	}
	e.recordDecision(req, d, snap)
	return d, nil
}

// Explain evaluates without the cache and returns a per-candidate trace.
func (e *Engine) Explain(ctx context.Context, req *AccessRequest) (*Decision, error) {
	start := e.clock.Now()
	snap := e.snapshotFor(req)
	d := e.evaluateSnapshot(ctx, snap, req, true)
	if d.Outcome == OutcomeAllow && e.risk != nil && snap.overlayGrant == "" {
		rs := e.risk.Score(ctx, req)
		d.Risk = rs
		if rs.Score >= e.risk.CriticalThreshold() {
			d.Outcome = OutcomeDeny
			d.Diagnostic = fmt.Sprintf("risk score %d at or above critical threshold %d", rs.Score, e.risk.CriticalThreshold())
			d.Trace = append(d.Trace, "risk: escalated to deny")
		}
	}
	d.Timestamp = start
	d.Duration = e.clock.Now().Sub(start)
	e.recordDecision(req, d, snap)
	return d, nil
}

// BatchEvaluate decides a batch of independent requests.
func (e *Engine) BatchEvaluate(ctx context.Context, reqs []*AccessRequest) ([]*Decision, error) {
	out := make([]*Decision, len(reqs))
	for i, req := range reqs {
		d, err := e.Evaluate(ctx, req)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (e *Engine) evaluateSnapshot(ctx context.Context, snap *Snapshot, req *AccessRequest, trace bool) *Decision {
	d := &Decision{SnapshotVersion: snap.Version}
	var forbids, permits []string

	for _, cp := range snap.Candidates(req.Action, req.Resource.Type) {
		if err := ctx.Err(); err != nil {
			d.Outcome = OutcomeDeny
			d.DeterminingPolicies = []string{}
			d.Diagnostic = "evaluation aborted: " + err.Error()
			d.aborted = true
			return d
		}
		matched, evalErr := matchSafely(cp, req)
		if evalErr != nil {
			// one malformed policy must not take down the decision
			// path; note it and move on
			e.log.Error("policy match failed", "policy", cp.ID, "error", evalErr.Error())
			if trace {
				d.Trace = append(d.Trace, fmt.Sprintf("policy=%s error=%v", cp.ID, evalErr))
			}
			continue
		}
		if trace {
			d.Trace = append(d.Trace, fmt.Sprintf("policy=%s effect=%s matched=%t", cp.ID, cp.Effect, matched))
		}
		if !matched {
			continue
		}
		if cp.Effect == EffectForbid {
			forbids = append(forbids, cp.ID)
		} else {
			permits = append(permits, cp.ID)
		}
	}

	switch {
	case len(forbids) > 0:
		sort.Strings(forbids)
		d.Outcome = OutcomeDeny
		d.DeterminingPolicies = forbids
	case len(permits) > 0:
		sort.Strings(permits)
		d.Outcome = OutcomeAllow
		d.DeterminingPolicies = permits
	default:
		d.Outcome = OutcomeDeny
		d.DeterminingPolicies = []string{}
	}
	return d
}

// matchSafely confines a panicking predicate to a single policy.
func matchSafely(cp *CompiledPolicy, req *AccessRequest) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return cp.AST.Matches(req), nil
}

// recordDecision queues the audit entry for the snapshot the decision
// was actually evaluated against, so the entry id always agrees with
// the decision's SnapshotVersion even across a concurrent publish.
func (e *Engine) recordDecision(req *AccessRequest, d *Decision, snap *Snapshot) {
	e.enqueueAudit(&AuditEntry{
		ID:        Fingerprint(req, snap),
		Timestamp: e.clock.Now(),
		Request:   req,
		Decision:  d,
	})
}

// ============================================================================
// BREAK-GLASS OVERLAYS
// ============================================================================

// snapshotFor returns the live snapshot, or a derived one when the
// requesting principal holds an active break-glass grant. Only that
// principal ever observes the synthetic permit.
func (e *Engine) snapshotFor(req *AccessRequest) *Snapshot {
	base := e.snapshot.Load()
	id, _ := req.Principal.Attrs["id"].(string)
	if id == "" {
		return base
	}
	e.overlayMu.RLock()
	entry := e.overlays[id]
	e.overlayMu.RUnlock()
	if entry == nil {
		return base
	}
	if e.clock.Now().After(entry.grant.ExpiresAt) {
		return base
	}
	if entry.snap != nil && entry.baseVersion == base.Version {
		return entry.snap
	}
	// base republished since the overlay was derived; rebuild lazily
	e.overlayMu.Lock()
	defer e.overlayMu.Unlock()
	entry = e.overlays[id]
	if entry == nil {
		return base
	}
	if entry.snap == nil || entry.baseVersion != base.Version {
		entry.snap = base.withOverlay(entry.grant.ID, syntheticPermit(entry.grant))
		entry.baseVersion = base.Version
	}
	return entry.snap
}

func (e *Engine) installOverlay(g *EmergencyGrant) {
	base := e.snapshot.Load()
	e.overlayMu.Lock()
	e.overlays[g.Requester] = &overlayEntry{
		grant:       g,
		baseVersion: base.Version,
		snap:        base.withOverlay(g.ID, syntheticPermit(g)),
	}
	e.overlayMu.Unlock()
}

func (e *Engine) removeOverlay(requester, grantID string) {
	e.overlayMu.Lock()
	if entry, ok := e.overlays[requester]; ok && entry.grant.ID == grantID {
		delete(e.overlays, requester)
	}
	e.overlayMu.Unlock()
}

// syntheticPermit compiles the high-priority permit scoped exactly to
// (requester, scope).
func syntheticPermit(g *EmergencyGrant) *CompiledPolicy {
	ast := &PolicyAST{
		Effect:    EffectPermit,
		Principal: &CmpExpr{Field: "principal.id", Op: OpEq, Value: g.Requester},
		Action:    Expr(&TrueExpr{}),
		Resource:  Expr(&TrueExpr{}),
		Condition: &TrueExpr{},
	}
	if g.Scope.Action != "" && g.Scope.Action != anyKey {
		ast.Action = &CmpExpr{Field: "action", Op: OpEq, Value: g.Scope.Action}
		ast.Actions = []string{g.Scope.Action}
	}
	if g.Scope.ResourceType != "" && g.Scope.ResourceType != anyKey {
		if utils.HasWildcard(g.Scope.ResourceType) {
			// pattern scopes fall into the wildcard index bucket
			ast.Resource = &LikeExpr{Field: "resource.type", Pattern: g.Scope.ResourceType}
		} else {
			ast.Resource = &CmpExpr{Field: "resource.type", Op: OpEq, Value: g.Scope.ResourceType}
			ast.ResourceTypes = []string{g.Scope.ResourceType}
		}
	}
	return &CompiledPolicy{ID: "emergency:" + g.ID, Effect: EffectPermit, AST: ast}
}
