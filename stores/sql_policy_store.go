package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLPolicyStore persists policies in SQL (squealx). Every write also
// appends a JSON snapshot to policy_history, which is append-only.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

type policySnapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	Author    string    `json:"author"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func snapshotOf(p *abac.Policy) policySnapshot {
	return policySnapshot{
		ID:        p.ID,
		Name:      p.Name,
		Text:      p.Text,
		Status:    string(p.Status),
		Version:   p.Version,
		Author:    p.Author,
		Tags:      p.Tags,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (s policySnapshot) toPolicy() *abac.Policy {
	return &abac.Policy{
		ID:        s.ID,
		Name:      s.Name,
		Text:      s.Text,
		Status:    abac.PolicyStatus(s.Status),
		Version:   s.Version,
		Author:    s.Author,
		Tags:      s.Tags,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *abac.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if exists, err := s.exists(ctx, p.ID); err != nil {
		return err
	} else if exists {
		return &abac.ConflictError{Reason: "duplicate policy id", ID: p.ID}
	}
	tags, _ := json.Marshal(p.Tags)
	q := `INSERT INTO policies(id, name, text, status, version, author, tags_json, created_at, updated_at) VALUES(:id, :name, :text, :status, :version, :author, :tags_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"text":       p.Text,
		"status":     string(p.Status),
		"version":    p.Version,
		"author":     p.Author,
		"tags_json":  string(tags),
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *abac.Policy) error {
	if exists, err := s.exists(ctx, p.ID); err != nil {
		return err
	} else if !exists {
		return &abac.NotFoundError{Kind: "policy", ID: p.ID}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	tags, _ := json.Marshal(p.Tags)
	q := `UPDATE policies SET name=:name, text=:text, status=:status, version=:version, author=:author, tags_json=:tags_json, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"text":       p.Text,
		"status":     string(p.Status),
		"version":    p.Version,
		"author":     p.Author,
		"tags_json":  string(tags),
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	if exists, err := s.exists(ctx, id); err != nil {
		return err
	} else if !exists {
		return &abac.NotFoundError{Kind: "policy", ID: id}
	}
	q := `DELETE FROM policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*abac.Policy, error) {
	q := `SELECT id, name, text, status, version, author, tags_json, created_at, updated_at FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &abac.NotFoundError{Kind: "policy", ID: id}
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, filter abac.PolicyFilter) ([]*abac.Policy, error) {
	q := `SELECT id, name, text, status, version, author, tags_json, created_at, updated_at FROM policies WHERE 1=1`
	params := map[string]any{}
	if filter.Status != "" {
		q += " AND status = :status"
		params["status"] = string(filter.Status)
	}
	q += " ORDER BY id"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		if filter.Tag != "" && !containsTag(p.Tags, filter.Tag) {
			continue
		}
		out = append(out, p)
	}
	return window(out, filter.Offset, filter.Limit), nil
}

func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*abac.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.Policy, 0)
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		var snap policySnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap.toPolicy())
	}
	if len(out) == 0 {
		return nil, &abac.NotFoundError{Kind: "policy history", ID: id}
	}
	return out, nil
}

func (s *SQLPolicyStore) exists(ctx context.Context, id string) (bool, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT 1 FROM policies WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *abac.Policy) error {
	b, err := json.Marshal(snapshotOf(p))
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json, created_at) VALUES(:policy_id, :snapshot_json, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.ID,
		"snapshot_json": string(b),
		"created_at":    time.Now(),
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (*abac.Policy, error) {
	var id, name, text, status, author, tagsJSON string
	var version int
	var createdRaw, updatedRaw any
	if err := r.Scan(&id, &name, &text, &status, &version, &author, &tagsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p := &abac.Policy{
		ID:        id,
		Name:      name,
		Text:      text,
		Status:    abac.PolicyStatus(status),
		Version:   version,
		Author:    author,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(tagsJSON), &p.Tags)
	return p, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func window(in []*abac.Policy, offset, limit int) []*abac.Policy {
	if offset >= len(in) {
		return []*abac.Policy{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
