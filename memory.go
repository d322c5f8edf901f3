package abac

import (
	"context"
	"sync"
)

// ============================================================================
// IN-MEMORY PORT IMPLEMENTATIONS
// ============================================================================

// MemoryPolicyStore keeps policy records and their history in memory.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	history  map[string][]*Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: make(map[string]*Policy),
		history:  make(map[string][]*Policy),
	}
}

func (s *MemoryPolicyStore) CreatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[p.ID]; exists {
		return &ConflictError{Reason: "duplicate policy id", ID: p.ID}
	}
	cp := *p
	s.policies[p.ID] = &cp
	s.history[p.ID] = append(s.history[p.ID], &cp)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, &NotFoundError{Kind: "policy", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPolicyStore) UpdatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return &NotFoundError{Kind: "policy", ID: p.ID}
	}
	cp := *p
	s.policies[p.ID] = &cp
	s.history[p.ID] = append(s.history[p.ID], &cp)
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return &NotFoundError{Kind: "policy", ID: id}
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) ListPolicies(_ context.Context, filter PolicyFilter) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Tag != "" && !hasTag(p, filter.Tag) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryPolicyStore) GetPolicyHistory(_ context.Context, id string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[id]
	if !ok {
		return nil, &NotFoundError{Kind: "policy history", ID: id}
	}
	out := make([]*Policy, len(h))
	copy(out, h)
	return out, nil
}

func hasTag(p *Policy, tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func paginate(in []*Policy, offset, limit int) []*Policy {
	if offset >= len(in) {
		return []*Policy{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// MemoryGrantStore keeps emergency grants in memory.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]*EmergencyGrant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]*EmergencyGrant)}
}

func (s *MemoryGrantStore) CreateGrant(_ context.Context, g *EmergencyGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[g.ID]; exists {
		return &ConflictError{Reason: "duplicate grant id", ID: g.ID}
	}
	cp := cloneGrant(g)
	s.grants[g.ID] = cp
	return nil
}

func (s *MemoryGrantStore) GetGrant(_ context.Context, id string) (*EmergencyGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, &NotFoundError{Kind: "grant", ID: id}
	}
	return cloneGrant(g), nil
}

func (s *MemoryGrantStore) UpdateGrant(_ context.Context, g *EmergencyGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; !ok {
		return &NotFoundError{Kind: "grant", ID: g.ID}
	}
	s.grants[g.ID] = cloneGrant(g)
	return nil
}

func (s *MemoryGrantStore) ListGrants(_ context.Context, status GrantStatus) ([]*EmergencyGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EmergencyGrant, 0)
	for _, g := range s.grants {
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, cloneGrant(g))
	}
	return out, nil
}

func cloneGrant(g *EmergencyGrant) *EmergencyGrant {
	cp := *g
	cp.Approvals = append([]Approval(nil), g.Approvals...)
	return &cp
}

// MemoryAuditSink collects audit records in memory.
type MemoryAuditSink struct {
	mu          sync.RWMutex
	decisions   []*AuditEntry
	conflicts   []*ConflictReport
	transitions []*GrantTransition
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) RecordDecision(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, entry)
	return nil
}

func (s *MemoryAuditSink) RecordConflict(_ context.Context, report *ConflictReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, report)
	return nil
}

func (s *MemoryAuditSink) RecordGrantTransition(_ context.Context, tr *GrantTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, tr)
	return nil
}

// Decisions returns recorded decision entries matching the filter.
func (s *MemoryAuditSink) Decisions(filter AuditFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, 0)
	for _, e := range s.decisions {
		if filter.Action != "" && e.Request.Action != filter.Action {
			continue
		}
		if filter.PrincipalID != "" {
			id, _ := e.Request.Principal.Attrs["id"].(string)
			if id != filter.PrincipalID {
				continue
			}
		}
		if filter.Outcome != "" && e.Decision.Outcome != filter.Outcome {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Conflicts returns recorded conflict reports.
func (s *MemoryAuditSink) Conflicts() []*ConflictReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ConflictReport(nil), s.conflicts...)
}

// Transitions returns recorded grant transitions.
func (s *MemoryAuditSink) Transitions() []*GrantTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*GrantTransition(nil), s.transitions...)
}

// MemoryNotifier records notifications for tests.
type MemoryNotifier struct {
	mu    sync.Mutex
	calls []NotifiedGrant
}

type NotifiedGrant struct {
	Approvers []string
	GrantID   string
}

func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

func (n *MemoryNotifier) NotifyApprovers(_ context.Context, approvers []string, grant *EmergencyGrant) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, NotifiedGrant{Approvers: approvers, GrantID: grant.ID})
	return nil
}

func (n *MemoryNotifier) Notified() []NotifiedGrant {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotifiedGrant(nil), n.calls...)
}
