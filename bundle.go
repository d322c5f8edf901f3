package abac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// SIGNED POLICY BUNDLES
// ============================================================================

// SignedPolicyBundle carries policies plus a per-policy ed25519
// signature so downstream enforcement points can verify provenance
// before loading them.
type SignedPolicyBundle struct {
	Policies   []*Policy         `json:"policies"`
	Signatures map[string]string `json:"signatures"` // policy id -> base64(sig)
	Meta       map[string]any    `json:"meta,omitempty"`
}

// Checksum is a content hash over the fields a signature must cover.
func (p *Policy) Checksum() string {
	h := sha256.Sum256([]byte(p.ID + "|" + fmt.Sprint(p.Version) + "|" + string(p.Status) + "|" + p.Text))
	return hex.EncodeToString(h[:])
}

type signedPolicyDigest struct {
	ID       string
	Checksum string
}

// SignPolicy returns a base64 ed25519 signature over the policy digest.
func SignPolicy(priv ed25519.PrivateKey, p *Policy) (string, error) {
	data, err := json.Marshal(signedPolicyDigest{ID: p.ID, Checksum: p.Checksum()})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// VerifyPolicySignature checks a signature against the policy digest.
func VerifyPolicySignature(pub ed25519.PublicKey, p *Policy, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(signedPolicyDigest{ID: p.ID, Checksum: p.Checksum()})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each policy with priv.
func SignBundle(priv ed25519.PrivateKey, policies []*Policy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string)}
	for _, p := range policies {
		s, err := SignPolicy(priv, p)
		if err != nil {
			return nil, err
		}
		b.Signatures[p.ID] = s
	}
	return b, nil
}

// VerifyBundle verifies every signature in the bundle.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) (bool, error) {
	for _, p := range b.Policies {
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for policy %s", p.ID)
		}
		okv, err := VerifyPolicySignature(pub, p, sig)
		if err != nil {
			return false, fmt.Errorf("bad signature for policy %s: %w", p.ID, err)
		}
		if !okv {
			return false, fmt.Errorf("bad signature for policy %s", p.ID)
		}
	}
	return true, nil
}

// ApplySignedBundle verifies the bundle, then creates or updates each
// policy through the normal write path so validation, conflict
// detection and republication all apply.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	if ok, err := VerifyBundle(pub, bundle); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("bundle verification failed")
		}
		return err
	}
	for _, p := range bundle.Policies {
		existing, err := e.policyStore.GetPolicy(ctx, p.ID)
		if err != nil {
			if !IsNotFound(err) {
				return fmt.Errorf("load policy %s: %w", p.ID, err)
			}
			np := *p
			if _, err := e.CreatePolicy(ctx, &np); err != nil {
				return fmt.Errorf("apply policy %s: %w", p.ID, err)
			}
			continue
		}
		np := *p
		np.Version = existing.Version
		if _, err := e.UpdatePolicy(ctx, &np); err != nil {
			return fmt.Errorf("apply policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// ============================================================================
// BUNDLE DISTRIBUTION
// ============================================================================

// BundleSubscriber receives freshly signed bundles.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, pub, bundle)
}

// PolicyBundleDistributor pushes signed bundles of active policies to
// subscribers whenever notified of a change, and rotates its signing
// key on an interval.
type PolicyBundleDistributor struct {
	policyStore      PolicyStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func NewPolicyBundleDistributor(store PolicyStore, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		policyStore:      store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				d.distribute(ctx)
			case <-ticker.C:
				if err := d.RotateSigningKey(); err == nil {
					d.distribute(ctx)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange schedules a distribution. Coalesces bursts.
func (d *PolicyBundleDistributor) NotifyPolicyChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *PolicyBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *PolicyBundleDistributor) distribute(ctx context.Context) {
	policies, err := d.policyStore.ListPolicies(ctx, PolicyFilter{Status: StatusActive})
	if err != nil {
		return
	}
	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, policies)
	if err != nil {
		return
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}
	for _, sub := range subs {
		_ = sub.OnBundle(ctx, pub, bundle)
	}
}
