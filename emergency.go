package abac

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/abac/logger"
)

// ============================================================================
// EMERGENCY ACCESS (BREAK-GLASS)
// ============================================================================

// EmergencyConfig bounds break-glass behaviour.
type EmergencyConfig struct {
	// Quorum is the number of distinct approvals required to activate a
	// grant. Minimum 1.
	Quorum int `json:"quorum" yaml:"quorum"`
	// Approvers receive activation requests.
	Approvers []string `json:"approvers" yaml:"approvers"`
	// MaxDuration caps the validity window of any single grant.
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

func (c EmergencyConfig) withDefaults() EmergencyConfig {
	if c.Quorum < 1 {
		c.Quorum = 2
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 4 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// EmergencyAccessManager runs the grant lifecycle:
// Pending -> Active -> Expired|Revoked. An Active grant installs a
// synthetic permit overlay on the engine, visible only to the
// requesting principal and removed when the grant leaves Active.
type EmergencyAccessManager struct {
	engine   *Engine
	grants   GrantStore
	notifier NotificationPort
	audit    AuditSink
	clock    Clock
	log      logger.Logger
	cfg      EmergencyConfig

	mu      sync.Mutex             // guards locks and sweeper state
	locks   map[string]*sync.Mutex // per-grant, serializes that grant's transitions
	stopCh  chan struct{}
	stopped sync.WaitGroup
	started bool
}

func NewEmergencyAccessManager(engine *Engine, grants GrantStore, notifier NotificationPort, audit AuditSink, cfg EmergencyConfig, opts ...EmergencyOption) (*EmergencyAccessManager, error) {
	if engine == nil || grants == nil || audit == nil {
		return nil, errors.New("engine, grant store and audit sink are required")
	}
	m := &EmergencyAccessManager{
		engine:   engine,
		grants:   grants,
		notifier: notifier,
		audit:    audit,
		clock:    engine.clock,
		log:      engine.log,
		cfg:      cfg.withDefaults(),
		locks:    make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type EmergencyOption func(*EmergencyAccessManager)

func WithEmergencyClock(c Clock) EmergencyOption {
	return func(m *EmergencyAccessManager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithEmergencyLogger(l logger.Logger) EmergencyOption {
	return func(m *EmergencyAccessManager) {
		if l != nil {
			m.log = l
		}
	}
}

// Start launches the expiry sweeper.
func (m *EmergencyAccessManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.stopped.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit.
func (m *EmergencyAccessManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.stopped.Wait()
}

func (m *EmergencyAccessManager) sweepLoop() {
	defer m.stopped.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// sweepExpired transitions overdue Active grants to Expired and tears
// down their overlays.
func (m *EmergencyAccessManager) sweepExpired(ctx context.Context) {
	active, err := m.grants.ListGrants(ctx, GrantActive)
	if err != nil {
		m.log.Error("grant sweep failed", "error", err.Error())
		return
	}
	now := m.clock.Now()
	for _, g := range active {
		if now.Before(g.ExpiresAt) {
			continue
		}
		l := m.grantLock(g.ID)
		l.Lock()
		cur, err := m.grants.GetGrant(ctx, g.ID)
		if err == nil && cur.Status == GrantActive {
			err = m.transition(ctx, cur, GrantExpired, "system")
		}
		l.Unlock()
		if err != nil {
			m.log.Error("grant expiry failed", "grant", g.ID, "error", err.Error())
		}
	}
}

// RequestEmergencyAccess opens a Pending grant and notifies approvers.
// The grant confers nothing until quorum is reached.
func (m *EmergencyAccessManager) RequestEmergencyAccess(ctx context.Context, requester string, scope GrantScope, reason string, duration time.Duration) (*EmergencyGrant, error) {
	if requester == "" {
		return nil, &ValidationError{Message: "requester is required", Field: "requester"}
	}
	if reason == "" {
		return nil, &ValidationError{Message: "a reason is required for emergency access", Field: "reason"}
	}
	if scope.Action == "" || scope.ResourceType == "" {
		return nil, &ValidationError{Message: "scope must name an action and a resource type", Field: "scope"}
	}
	if duration <= 0 || duration > m.cfg.MaxDuration {
		return nil, &ValidationError{
			Message: fmt.Sprintf("duration must be positive and at most %s", m.cfg.MaxDuration),
			Field:   "duration",
		}
	}

	g := &EmergencyGrant{
		ID:        newGrantID(),
		Requester: requester,
		Scope:     scope,
		Reason:    reason,
		Quorum:    m.cfg.Quorum,
		Duration:  duration,
		Status:    GrantPending,
		CreatedAt: m.clock.Now(),
	}
	if err := m.grants.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	m.recordTransition(ctx, g.ID, "", GrantPending, requester)
	m.log.Info("emergency access requested", "grant", g.ID, "requester", requester, "action", scope.Action, "resource_type", scope.ResourceType)

	if m.notifier != nil && len(m.cfg.Approvers) > 0 {
		approvers := m.cfg.Approvers
		grant := cloneGrant(g)
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.notifier.NotifyApprovers(nctx, approvers, grant); err != nil {
				m.log.Error("approver notification failed", "grant", grant.ID, "error", err.Error())
			}
		}()
	}
	return cloneGrant(g), nil
}

// Approve records one approval. Repeat approvals from the same approver
// are idempotent; the requester cannot approve their own grant. When
// the quorum-th distinct approval lands the grant activates exactly
// once and the overlay is installed.
func (m *EmergencyAccessManager) Approve(ctx context.Context, grantID, approver string) (*EmergencyGrant, error) {
	if approver == "" {
		return nil, &ValidationError{Message: "approver is required", Field: "approver"}
	}
	l := m.grantLock(grantID)
	l.Lock()
	defer l.Unlock()

	g, err := m.grants.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Status != GrantPending {
		return nil, &ConflictError{Reason: fmt.Sprintf("grant is %s, approvals only apply while pending", g.Status), ID: grantID}
	}
	if approver == g.Requester {
		return nil, &AuthorizationDeniedError{Actor: approver}
	}
	for _, a := range g.Approvals {
		if a.Approver == approver {
			return cloneGrant(g), nil
		}
	}
	g.Approvals = append(g.Approvals, Approval{Approver: approver, At: m.clock.Now()})

	if len(g.Approvals) >= g.Quorum {
		g.GrantedAt = m.clock.Now()
		g.ExpiresAt = g.GrantedAt.Add(g.Duration)
		g.Status = GrantActive
		if err := m.grants.UpdateGrant(ctx, g); err != nil {
			return nil, err
		}
		m.engine.installOverlay(cloneGrant(g))
		m.recordTransition(ctx, g.ID, GrantPending, GrantActive, approver)
		m.engine.emit(Event{Type: EventEmergencyAccessGranted, GrantID: g.ID, Detail: map[string]any{
			"requester": g.Requester, "expires_at": g.ExpiresAt,
		}})
		m.log.Info("emergency access activated", "grant", g.ID, "requester", g.Requester, "approvals", len(g.Approvals))
		return cloneGrant(g), nil
	}

	if err := m.grants.UpdateGrant(ctx, g); err != nil {
		return nil, err
	}
	m.log.Info("emergency approval recorded", "grant", g.ID, "approver", approver, "have", len(g.Approvals), "need", g.Quorum)
	return cloneGrant(g), nil
}

// Revoke ends a grant immediately. Revoking a Pending grant cancels it;
// revoking an Active grant removes the overlay. Terminal states are
// left alone.
func (m *EmergencyAccessManager) Revoke(ctx context.Context, grantID, actor string) error {
	l := m.grantLock(grantID)
	l.Lock()
	defer l.Unlock()

	g, err := m.grants.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	switch g.Status {
	case GrantRevoked, GrantExpired:
		return nil
	case GrantPending, GrantActive:
		return m.transition(ctx, g, GrantRevoked, actor)
	default:
		return &ConflictError{Reason: fmt.Sprintf("unknown grant status %q", g.Status), ID: grantID}
	}
}

// GetGrant returns a grant by id.
func (m *EmergencyAccessManager) GetGrant(ctx context.Context, id string) (*EmergencyGrant, error) {
	return m.grants.GetGrant(ctx, id)
}

// ListGrants returns grants, optionally filtered by status.
func (m *EmergencyAccessManager) ListGrants(ctx context.Context, status GrantStatus) ([]*EmergencyGrant, error) {
	return m.grants.ListGrants(ctx, status)
}

// grantLock returns the mutex serializing one grant's transitions.
// Independent grants never contend with each other.
func (m *EmergencyAccessManager) grantLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// transition moves a grant to a terminal state and tears down any
// overlay. Caller holds the grant's lock.
func (m *EmergencyAccessManager) transition(ctx context.Context, g *EmergencyGrant, to GrantStatus, actor string) error {
	from := g.Status
	g.Status = to
	if err := m.grants.UpdateGrant(ctx, g); err != nil {
		g.Status = from
		return err
	}
	if from == GrantActive {
		m.engine.removeOverlay(g.Requester, g.ID)
	}
	m.recordTransition(ctx, g.ID, from, to, actor)
	if to == GrantRevoked {
		m.engine.emit(Event{Type: EventEmergencyAccessRevoked, GrantID: g.ID, Detail: map[string]any{
			"requester": g.Requester, "actor": actor,
		}})
	}
	m.log.Info("emergency grant transitioned", "grant", g.ID, "from", string(from), "to", string(to))
	return nil
}

func (m *EmergencyAccessManager) recordTransition(ctx context.Context, grantID string, from, to GrantStatus, actor string) {
	tr := &GrantTransition{GrantID: grantID, From: from, To: to, Actor: actor, At: m.clock.Now()}
	if err := m.audit.RecordGrantTransition(ctx, tr); err != nil {
		m.log.Error("audit sink rejected grant transition", "grant", grantID, "error", err.Error())
	}
}

func newGrantID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("eg-%d", time.Now().UnixNano())
	}
	return "eg-" + hex.EncodeToString(b[:])
}
