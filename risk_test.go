package abac

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSignal struct {
	name      string
	triggered bool
	err       error
	delay     time.Duration
}

func (s stubSignal) Name() string { return s.name }

func (s stubSignal) Assess(ctx context.Context, _ *AccessRequest) (bool, string, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.triggered, "", s.err
}

func riskRequest(ctxAttrs map[string]any) *AccessRequest {
	return &AccessRequest{
		Principal: Principal{Type: "user", Attrs: map[string]any{"id": "u-1"}},
		Action:    "read",
		Resource:  ResourceRef{Type: "document"},
		Context:   ctxAttrs,
	}
}

func TestRiskScoreAggregatesWeights(t *testing.T) {
	r := NewRiskEngine()
	r.Register(stubSignal{name: "a", triggered: true}, 30)
	r.Register(stubSignal{name: "b", triggered: false}, 40)
	r.Register(stubSignal{name: "c", triggered: true}, 20)

	s := r.Score(context.Background(), riskRequest(nil))
	if s.Score != 50 {
		t.Fatalf("expected 50, got %d", s.Score)
	}
	if len(s.Factors) != 2 {
		t.Fatalf("only triggered signals contribute factors, got %d", len(s.Factors))
	}
}

func TestRiskScoreCapped(t *testing.T) {
	r := NewRiskEngine()
	r.Register(stubSignal{name: "a", triggered: true}, 80)
	r.Register(stubSignal{name: "b", triggered: true}, 80)

	if s := r.Score(context.Background(), riskRequest(nil)); s.Score != MaxRiskScore {
		t.Fatalf("score must be capped at %d, got %d", MaxRiskScore, s.Score)
	}
}

func TestRiskProviderFailuresAreNeutral(t *testing.T) {
	r := NewRiskEngine(WithSignalTimeout(10 * time.Millisecond))
	r.Register(stubSignal{name: "broken", err: errors.New("context service down")}, 90)
	r.Register(stubSignal{name: "slow", triggered: true, delay: 200 * time.Millisecond}, 90)
	r.Register(stubSignal{name: "fine", triggered: true}, 15)

	s := r.Score(context.Background(), riskRequest(nil))
	if s.Score != 15 {
		t.Fatalf("failed and timed-out providers must not count, got %d", s.Score)
	}
}

func TestNetworkOriginSignal(t *testing.T) {
	sig, err := NewNetworkOriginSignal([]string{"10.0.0.0/8", "192.168.1.0/24"})
	if err != nil {
		t.Fatalf("new signal: %v", err)
	}
	ctx := context.Background()

	if trig, _, _ := sig.Assess(ctx, riskRequest(map[string]any{"ip": "10.1.2.3"})); trig {
		t.Fatalf("trusted origin must not trigger")
	}
	if trig, _, _ := sig.Assess(ctx, riskRequest(map[string]any{"ip": "203.0.113.9"})); !trig {
		t.Fatalf("untrusted origin must trigger")
	}
	// absent or garbage ip stays neutral
	if trig, _, _ := sig.Assess(ctx, riskRequest(nil)); trig {
		t.Fatalf("missing ip must not trigger")
	}
	if trig, _, _ := sig.Assess(ctx, riskRequest(map[string]any{"ip": "not-an-ip"})); trig {
		t.Fatalf("unparseable ip must not trigger")
	}
}

func TestOffHoursSignal(t *testing.T) {
	clock := newFakeClock() // 10:00 UTC
	sig := NewOffHoursSignal(8, 18, clock)
	ctx := context.Background()

	if trig, _, _ := sig.Assess(ctx, riskRequest(nil)); trig {
		t.Fatalf("10:00 is inside office hours")
	}
	clock.Advance(12 * time.Hour)
	if trig, _, _ := sig.Assess(ctx, riskRequest(nil)); !trig {
		t.Fatalf("22:00 is outside office hours")
	}
}

func TestWeakAuthSignal(t *testing.T) {
	ctx := context.Background()
	if trig, _, _ := (WeakAuthSignal{}).Assess(ctx, riskRequest(map[string]any{"mfa": true})); trig {
		t.Fatalf("mfa-backed request must not trigger")
	}
	if trig, _, _ := (WeakAuthSignal{}).Assess(ctx, riskRequest(nil)); !trig {
		t.Fatalf("missing mfa must trigger")
	}
}
