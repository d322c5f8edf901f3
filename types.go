package abac

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a policy carries when it matches.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectForbid Effect = "forbid"
)

// PolicyStatus tracks a policy through its lifecycle. Only Active
// policies participate in snapshot compilation.
type PolicyStatus string

const (
	StatusDraft      PolicyStatus = "draft"
	StatusActive     PolicyStatus = "active"
	StatusInactive   PolicyStatus = "inactive"
	StatusDeprecated PolicyStatus = "deprecated"
)

// Policy is the durable record. The identifier never changes; content
// changes increment Version and refresh UpdatedAt.
type Policy struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Text      string       `json:"text" yaml:"text"`
	Status    PolicyStatus `json:"status" yaml:"status"`
	Version   int          `json:"version" yaml:"version"`
	Author    string       `json:"author" yaml:"author"`
	Tags      []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`

	ast *PolicyAST // parsed form, populated on validate; never serialized
}

// AST returns the parsed form if the policy has been validated.
func (p *Policy) AST() *PolicyAST { return p.ast }

// Principal describes who is requesting access: a type tag plus opaque
// attributes ("id", "role", ...).
type Principal struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs"`
}

// ResourceRef describes what is being accessed.
type ResourceRef struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs"`
}

// AccessRequest is the ephemeral evaluation input. It is never persisted.
type AccessRequest struct {
	Principal Principal      `json:"principal"`
	Action    string         `json:"action"`
	Resource  ResourceRef    `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

// Outcome of a Decision.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Decision is immutable once produced. DeterminingPolicies lists every
// policy that contributed to the outcome: all matching forbids on a
// forbid-deny, all matching permits on an allow, empty on default-deny.
type Decision struct {
	Outcome             Outcome       `json:"outcome"`
	DeterminingPolicies []string      `json:"determining_policies"`
	SnapshotVersion     uint64        `json:"snapshot_version"`
	Risk                *RiskScore    `json:"risk,omitempty"`
	Diagnostic          string        `json:"diagnostic,omitempty"`
	Duration            time.Duration `json:"duration"`
	Timestamp           time.Time     `json:"timestamp"`
	Trace               []string      `json:"trace,omitempty"`

	// aborted marks a fail-closed Deny produced because the caller's
	// context expired mid-evaluation. The outcome is specific to that
	// caller and must never be cached.
	aborted bool
}

// Allowed is a convenience accessor for the common boolean check.
func (d *Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// RiskScore is computed per request and not persisted beyond audit.
type RiskScore struct {
	Score   int          `json:"score"`
	Factors []RiskFactor `json:"factors,omitempty"`
}

type RiskFactor struct {
	Signal string `json:"signal"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

// ConflictReport flags a permit/forbid pair whose predicates can hold
// simultaneously. Advisory only; produced, never mutated.
type ConflictReport struct {
	PolicyA    string    `json:"policy_a"`
	PolicyB    string    `json:"policy_b"`
	Overlap    string    `json:"overlap"`
	DetectedAt time.Time `json:"detected_at"`
}

// ============================================================================
// EMERGENCY ACCESS
// ============================================================================

type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// GrantScope bounds what a break-glass grant permits. Action and
// ResourceType may use '*' wildcards.
type GrantScope struct {
	Action       string `json:"action" yaml:"action"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
}

type Approval struct {
	Approver string    `json:"approver"`
	At       time.Time `json:"at"`
}

// EmergencyGrant is the quorum-approved, time-bounded override record.
// Lifecycle: Pending -> Active -> Expired|Revoked. Never reactivated.
type EmergencyGrant struct {
	ID        string        `json:"id"`
	Requester string        `json:"requester"`
	Scope     GrantScope    `json:"scope"`
	Reason    string        `json:"reason"`
	Quorum    int           `json:"quorum"`
	Approvals []Approval    `json:"approvals"`
	Duration  time.Duration `json:"duration"`
	Status    GrantStatus   `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	GrantedAt time.Time     `json:"granted_at,omitempty"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}

// ============================================================================
// AUDIT
// ============================================================================

// AuditEntry captures one decision for the audit sink. Sandbox entries
// come from the policy test sandbox and are labeled as such.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Request   *AccessRequest `json:"request"`
	Decision  *Decision      `json:"decision"`
	Sandbox   bool           `json:"sandbox,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GrantTransition records one emergency-grant state change.
type GrantTransition struct {
	GrantID   string      `json:"grant_id"`
	From      GrantStatus `json:"from"`
	To        GrantStatus `json:"to"`
	Actor     string      `json:"actor,omitempty"`
	At        time.Time   `json:"at"`
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	PrincipalID string
	Action      string
	Outcome     Outcome
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// ============================================================================
// PORTS (implemented by collaborators)
// ============================================================================

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	Status PolicyStatus
	Tag    string
	Offset int
	Limit  int
}

// PolicyStore is the durable persistence port for policy records.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]*Policy, error)
	GetPolicyHistory(ctx context.Context, id string) ([]*Policy, error)
}

// GrantStore persists emergency grants.
type GrantStore interface {
	CreateGrant(ctx context.Context, g *EmergencyGrant) error
	GetGrant(ctx context.Context, id string) (*EmergencyGrant, error)
	UpdateGrant(ctx context.Context, g *EmergencyGrant) error
	ListGrants(ctx context.Context, status GrantStatus) ([]*EmergencyGrant, error)
}

// AttrType is the declared type of a schema attribute.
type AttrType string

const (
	AttrString AttrType = "string"
	AttrNumber AttrType = "number"
	AttrBool   AttrType = "bool"
)

// SchemaPort resolves valid action, entity-type and attribute names for
// the validator.
type SchemaPort interface {
	ActionExists(action string) bool
	EntityTypeExists(entityType string) bool
	AttributeType(entityType, attr string) (AttrType, bool)
}

// AuditSink receives every decision, conflict report and emergency
// transition. Implementations must tolerate bursts; the engine feeds the
// sink asynchronously.
type AuditSink interface {
	RecordDecision(ctx context.Context, entry *AuditEntry) error
	RecordConflict(ctx context.Context, report *ConflictReport) error
	RecordGrantTransition(ctx context.Context, tr *GrantTransition) error
}

// NotificationPort contacts approvers when a break-glass grant is filed.
type NotificationPort interface {
	NotifyApprovers(ctx context.Context, approvers []string, grant *EmergencyGrant) error
}

// Clock supplies current time, injected for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
