package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLGrantStore persists emergency grants in SQL (squealx).
type SQLGrantStore struct {
	db *squealx.DB
}

func NewSQLGrantStore(db *squealx.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

func (s *SQLGrantStore) CreateGrant(ctx context.Context, g *abac.EmergencyGrant) error {
	if exists, err := s.exists(ctx, g.ID); err != nil {
		return err
	} else if exists {
		return &abac.ConflictError{Reason: "duplicate grant id", ID: g.ID}
	}
	return s.upsert(ctx, g, `INSERT INTO emergency_grants(id, requester, scope_action, scope_resource, reason, quorum, approvals_json, duration_ns, status, created_at, granted_at, expires_at) VALUES(:id, :requester, :scope_action, :scope_resource, :reason, :quorum, :approvals_json, :duration_ns, :status, :created_at, :granted_at, :expires_at)`)
}

func (s *SQLGrantStore) UpdateGrant(ctx context.Context, g *abac.EmergencyGrant) error {
	if exists, err := s.exists(ctx, g.ID); err != nil {
		return err
	} else if !exists {
		return &abac.NotFoundError{Kind: "grant", ID: g.ID}
	}
	return s.upsert(ctx, g, `UPDATE emergency_grants SET requester=:requester, scope_action=:scope_action, scope_resource=:scope_resource, reason=:reason, quorum=:quorum, approvals_json=:approvals_json, duration_ns=:duration_ns, status=:status, created_at=:created_at, granted_at=:granted_at, expires_at=:expires_at WHERE id=:id`)
}

func (s *SQLGrantStore) upsert(ctx context.Context, g *abac.EmergencyGrant, q string) error {
	approvals, _ := json.Marshal(g.Approvals)
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             g.ID,
		"requester":      g.Requester,
		"scope_action":   g.Scope.Action,
		"scope_resource": g.Scope.ResourceType,
		"reason":         g.Reason,
		"quorum":         g.Quorum,
		"approvals_json": string(approvals),
		"duration_ns":    int64(g.Duration),
		"status":         string(g.Status),
		"created_at":     g.CreatedAt,
		"granted_at":     nullableTime(g.GrantedAt),
		"expires_at":     nullableTime(g.ExpiresAt),
	})
	return err
}

func (s *SQLGrantStore) GetGrant(ctx context.Context, id string) (*abac.EmergencyGrant, error) {
	q := grantSelect + ` WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &abac.NotFoundError{Kind: "grant", ID: id}
	}
	return scanGrant(r)
}

func (s *SQLGrantStore) ListGrants(ctx context.Context, status abac.GrantStatus) ([]*abac.EmergencyGrant, error) {
	q := grantSelect
	params := map[string]any{}
	if status != "" {
		q += ` WHERE status = :status`
		params["status"] = string(status)
	}
	q += ` ORDER BY created_at`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.EmergencyGrant, 0)
	for r.Next() {
		g, err := scanGrant(r)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

const grantSelect = `SELECT id, requester, scope_action, scope_resource, reason, quorum, approvals_json, duration_ns, status, created_at, granted_at, expires_at FROM emergency_grants`

func scanGrant(r rowScanner) (*abac.EmergencyGrant, error) {
	var id, requester, scopeAction, scopeResource, reason, approvalsJSON, status string
	var quorum int
	var durationNS int64
	var createdRaw, grantedRaw, expiresRaw any
	if err := r.Scan(&id, &requester, &scopeAction, &scopeResource, &reason, &quorum, &approvalsJSON, &durationNS, &status, &createdRaw, &grantedRaw, &expiresRaw); err != nil {
		return nil, err
	}
	g := &abac.EmergencyGrant{
		ID:        id,
		Requester: requester,
		Scope:     abac.GrantScope{Action: scopeAction, ResourceType: scopeResource},
		Reason:    reason,
		Quorum:    quorum,
		Duration:  time.Duration(durationNS),
		Status:    abac.GrantStatus(status),
		CreatedAt: scanTime(createdRaw),
	}
	_ = json.Unmarshal([]byte(approvalsJSON), &g.Approvals)
	if grantedRaw != nil {
		g.GrantedAt = scanTime(grantedRaw)
	}
	if expiresRaw != nil {
		g.ExpiresAt = scanTime(expiresRaw)
	}
	return g, nil
}

func (s *SQLGrantStore) exists(ctx context.Context, id string) (bool, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT 1 FROM emergency_grants WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
