package abac

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/oarkflow/abac/logger"
)

// ============================================================================
// RISK ENGINE
// ============================================================================

// SignalProvider assesses one contextual risk signal for a request.
// Providers may call out to external context services; the engine bounds
// every call with a timeout and treats an unavailable signal as neutral.
type SignalProvider interface {
	Name() string
	Assess(ctx context.Context, req *AccessRequest) (triggered bool, detail string, err error)
}

type weightedProvider struct {
	provider SignalProvider
	weight   int
}

// RiskEngine aggregates weighted signals into a bounded score. It is
// independent of policy content: the decision engine consults it only
// for requests whose ordinary outcome is Allow.
type RiskEngine struct {
	providers []weightedProvider
	threshold int
	timeout   time.Duration
	clock     Clock
	log       logger.Logger
}

// MaxRiskScore bounds the aggregate score.
const MaxRiskScore = 100

type RiskOption func(*RiskEngine)

func WithRiskThreshold(t int) RiskOption {
	return func(r *RiskEngine) {
		if t > 0 {
			r.threshold = t
		}
	}
}

func WithSignalTimeout(d time.Duration) RiskOption {
	return func(r *RiskEngine) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRiskClock(c Clock) RiskOption {
	return func(r *RiskEngine) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithRiskLogger(l logger.Logger) RiskOption {
	return func(r *RiskEngine) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRiskEngine(opts ...RiskOption) *RiskEngine {
	r := &RiskEngine{
		threshold: 75,
		timeout:   100 * time.Millisecond,
		clock:     SystemClock(),
		log:       logger.Null(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a weighted signal provider.
func (r *RiskEngine) Register(p SignalProvider, weight int) {
	if p == nil || weight <= 0 {
		return
	}
	r.providers = append(r.providers, weightedProvider{provider: p, weight: weight})
}

// CriticalThreshold returns the score at which an Allow is escalated to
// Deny.
func (r *RiskEngine) CriticalThreshold() int { return r.threshold }

// Score computes the request's risk. Provider errors and timeouts are
// neutral: the factor is skipped, never counted against the caller.
func (r *RiskEngine) Score(ctx context.Context, req *AccessRequest) *RiskScore {
	score := &RiskScore{}
	for _, wp := range r.providers {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		triggered, detail, err := wp.provider.Assess(sctx, req)
		cancel()
		if err != nil {
			r.log.Debug("risk signal unavailable", "signal", wp.provider.Name(), "error", err.Error())
			continue
		}
		if !triggered {
			continue
		}
		score.Score += wp.weight
		score.Factors = append(score.Factors, RiskFactor{
			Signal: wp.provider.Name(),
			Weight: wp.weight,
			Detail: detail,
		})
	}
	if score.Score > MaxRiskScore {
		score.Score = MaxRiskScore
	}
	return score
}

// ============================================================================
// BUILT-IN SIGNALS
// ============================================================================

// NetworkOriginSignal triggers when the request's context.ip falls
// outside every trusted network.
type NetworkOriginSignal struct {
	trusted []*net.IPNet
}

func NewNetworkOriginSignal(cidrs []string) (*NetworkOriginSignal, error) {
	s := &NetworkOriginSignal{}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse trusted network %q: %w", c, err)
		}
		s.trusted = append(s.trusted, ipnet)
	}
	return s, nil
}

func (s *NetworkOriginSignal) Name() string { return "unusual_network_origin" }

func (s *NetworkOriginSignal) Assess(_ context.Context, req *AccessRequest) (bool, string, error) {
	raw, ok := req.Context["ip"].(string)
	if !ok || raw == "" {
		return false, "", nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return false, "", nil
	}
	for _, n := range s.trusted {
		if n.Contains(ip) {
			return false, "", nil
		}
	}
	return true, "origin " + raw + " outside trusted networks", nil
}

// OffHoursSignal triggers outside the configured working window.
type OffHoursSignal struct {
	startHour int
	endHour   int
	clock     Clock
}

func NewOffHoursSignal(startHour, endHour int, clock Clock) *OffHoursSignal {
	if clock == nil {
		clock = SystemClock()
	}
	return &OffHoursSignal{startHour: startHour, endHour: endHour, clock: clock}
}

func (s *OffHoursSignal) Name() string { return "unusual_time_window" }

func (s *OffHoursSignal) Assess(_ context.Context, _ *AccessRequest) (bool, string, error) {
	h := s.clock.Now().Hour()
	if h >= s.startHour && h < s.endHour {
		return false, "", nil
	}
	return true, fmt.Sprintf("request at hour %d outside %02d:00-%02d:00", h, s.startHour, s.endHour), nil
}

// WeakAuthSignal triggers when the request lacks strong authentication
// (context.mfa != true).
type WeakAuthSignal struct{}

func (WeakAuthSignal) Name() string { return "missing_strong_auth" }

func (WeakAuthSignal) Assess(_ context.Context, req *AccessRequest) (bool, string, error) {
	if mfa, ok := req.Context["mfa"].(bool); ok && mfa {
		return false, "", nil
	}
	return true, "no multi-factor authentication", nil
}
