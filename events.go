package abac

import "time"

// ============================================================================
// DOMAIN EVENTS
// ============================================================================

type EventType string

const (
	EventPolicyCreated          EventType = "policy.created"
	EventPolicyUpdated          EventType = "policy.updated"
	EventPolicyDeleted          EventType = "policy.deleted"
	EventPolicyStatusChanged    EventType = "policy.status_changed"
	EventConflictDetected       EventType = "conflict.detected"
	EventEmergencyAccessGranted EventType = "emergency.granted"
	EventEmergencyAccessRevoked EventType = "emergency.revoked"
)

// Event is published on every state change. Cross-references are by
// identifier only.
type Event struct {
	Type     EventType      `json:"type"`
	PolicyID string         `json:"policy_id,omitempty"`
	GrantID  string         `json:"grant_id,omitempty"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// EventListener receives domain events. Listeners run on the engine's
// dispatch goroutine and must not block.
type EventListener func(Event)
