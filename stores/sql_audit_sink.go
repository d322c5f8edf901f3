package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLAuditSink persists decisions, conflict reports and grant
// transitions in SQL. Records are append-only.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) RecordDecision(ctx context.Context, entry *abac.AuditEntry) error {
	determining, _ := json.Marshal(entry.Decision.DeterminingPolicies)
	reqB, _ := json.Marshal(entry.Request)
	metaB, _ := json.Marshal(entry.Metadata)
	principalID := ""
	principalType := ""
	action := ""
	resourceType := ""
	if entry.Request != nil {
		if id, ok := entry.Request.Principal.Attrs["id"].(string); ok {
			principalID = id
		}
		principalType = entry.Request.Principal.Type
		action = entry.Request.Action
		resourceType = entry.Request.Resource.Type
	}
	riskScore := 0
	if entry.Decision.Risk != nil {
		riskScore = entry.Decision.Risk.Score
	}
	q := `INSERT INTO audit_log(id, timestamp, principal_id, principal_type, action, resource_type, outcome, determining_json, snapshot_version, risk_score, diagnostic, sandbox, request_json, metadata_json) VALUES(:id, :timestamp, :principal_id, :principal_type, :action, :resource_type, :outcome, :determining_json, :snapshot_version, :risk_score, :diagnostic, :sandbox, :request_json, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               entry.ID,
		"timestamp":        entry.Timestamp,
		"principal_id":     principalID,
		"principal_type":   principalType,
		"action":           action,
		"resource_type":    resourceType,
		"outcome":          string(entry.Decision.Outcome),
		"determining_json": string(determining),
		"snapshot_version": entry.Decision.SnapshotVersion,
		"risk_score":       riskScore,
		"diagnostic":       entry.Decision.Diagnostic,
		"sandbox":          boolToInt(entry.Sandbox),
		"request_json":     string(reqB),
		"metadata_json":    string(metaB),
	})
	return err
}

func (s *SQLAuditSink) RecordConflict(ctx context.Context, report *abac.ConflictReport) error {
	q := `INSERT INTO conflict_log(policy_a, policy_b, overlap, detected_at) VALUES(:policy_a, :policy_b, :overlap, :detected_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_a":    report.PolicyA,
		"policy_b":    report.PolicyB,
		"overlap":     report.Overlap,
		"detected_at": report.DetectedAt,
	})
	return err
}

func (s *SQLAuditSink) RecordGrantTransition(ctx context.Context, tr *abac.GrantTransition) error {
	q := `INSERT INTO grant_transitions(grant_id, from_state, to_state, actor, at) VALUES(:grant_id, :from_state, :to_state, :actor, :at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"grant_id":   tr.GrantID,
		"from_state": string(tr.From),
		"to_state":   string(tr.To),
		"actor":      tr.Actor,
		"at":         tr.At,
	})
	return err
}

// QueryDecisions returns recorded decisions matching the filter, most
// filters applied in SQL.
func (s *SQLAuditSink) QueryDecisions(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditEntry, error) {
	q := `SELECT id, timestamp, outcome, determining_json, snapshot_version, risk_score, diagnostic, sandbox, request_json, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Outcome != "" {
		q += " AND outcome = :outcome"
		params["outcome"] = string(filter.Outcome)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.AuditEntry, 0)
	for r.Next() {
		var id, outcome, determiningJSON, diagnostic, requestJSON, metaJSON string
		var timestampRaw any
		var snapshotVersion uint64
		var riskScore, sandboxInt int
		if err := r.Scan(&id, &timestampRaw, &outcome, &determiningJSON, &snapshotVersion, &riskScore, &diagnostic, &sandboxInt, &requestJSON, &metaJSON); err != nil {
			return nil, err
		}
		entry := &abac.AuditEntry{
			ID:        id,
			Timestamp: scanTime(timestampRaw),
			Sandbox:   sandboxInt != 0,
			Decision: &abac.Decision{
				Outcome:         abac.Outcome(outcome),
				SnapshotVersion: snapshotVersion,
				Diagnostic:      diagnostic,
			},
		}
		if riskScore > 0 {
			entry.Decision.Risk = &abac.RiskScore{Score: riskScore}
		}
		_ = json.Unmarshal([]byte(determiningJSON), &entry.Decision.DeterminingPolicies)
		var req abac.AccessRequest
		if err := json.Unmarshal([]byte(requestJSON), &req); err == nil {
			entry.Request = &req
		}
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, nil
}

// PruneDecisions deletes audit rows older than the cutoff and returns
// nothing useful beyond the error; retention is the caller's policy.
func (s *SQLAuditSink) PruneDecisions(ctx context.Context, before time.Time) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < :before`, map[string]any{"before": before})
	return err
}
