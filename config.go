package abac

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the complete declarative configuration: schema, policies
// and tuning for the engine, risk and emergency subsystems.
type Config struct {
	Version   uint16            `json:"version" yaml:"version"`
	Schema    SchemaConfig      `json:"schema" yaml:"schema"`
	Policies  []PolicyConfig    `json:"policies" yaml:"policies"`
	Engine    EngineSettings    `json:"engine" yaml:"engine"`
	Risk      RiskConfig        `json:"risk" yaml:"risk"`
	Emergency EmergencySettings `json:"emergency" yaml:"emergency"`
}

type SchemaConfig struct {
	Actions     []string `json:"actions" yaml:"actions"`
	EntityTypes []string `json:"entity_types" yaml:"entity_types"`
	// Attributes declares typed attributes per scope: principal,
	// resource or context.
	Attributes []ScopeAttrConfig `json:"attributes" yaml:"attributes"`
}

type ScopeAttrConfig struct {
	Scope      string            `json:"scope" yaml:"scope"`
	Attributes []AttributeConfig `json:"attributes" yaml:"attributes"`
}

type AttributeConfig struct {
	Name string   `json:"name" yaml:"name"`
	Type AttrType `json:"type" yaml:"type"`
}

type PolicyConfig struct {
	ID     string       `json:"id" yaml:"id"`
	Name   string       `json:"name,omitempty" yaml:"name,omitempty"`
	Text   string       `json:"text" yaml:"text"`
	Status PolicyStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Author string       `json:"author,omitempty" yaml:"author,omitempty"`
	Tags   []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type EngineSettings struct {
	DecisionCacheTTLMs  int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	EvalTimeoutMs       int64 `json:"eval_timeout_ms" yaml:"eval_timeout_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// EngineOptions converts tuning settings into engine options. Zero
// values keep the engine defaults.
func (s EngineSettings) EngineOptions() []EngineOption {
	opts := []EngineOption{}
	if s.EvalTimeoutMs > 0 {
		opts = append(opts, WithEvalTimeout(time.Duration(s.EvalTimeoutMs)*time.Millisecond))
	}
	cc := DecisionCacheConfig{
		NumCounters: s.RistrettoNumCounter,
		MaxCost:     s.RistrettoMaxCost,
		BufferItems: s.RistrettoBuffer,
		TTL:         time.Duration(s.DecisionCacheTTLMs) * time.Millisecond,
	}
	if cc != (DecisionCacheConfig{}) {
		opts = append(opts, WithDecisionCacheConfig(cc))
	}
	return opts
}

type RiskConfig struct {
	Threshold        int            `json:"threshold" yaml:"threshold"`
	SignalTimeoutMs  int64          `json:"signal_timeout_ms" yaml:"signal_timeout_ms"`
	TrustedNetworks  []string       `json:"trusted_networks" yaml:"trusted_networks"`
	OfficeHoursStart int            `json:"office_hours_start" yaml:"office_hours_start"`
	OfficeHoursEnd   int            `json:"office_hours_end" yaml:"office_hours_end"`
	Weights          map[string]int `json:"weights" yaml:"weights"`
}

type EmergencySettings struct {
	Quorum          int      `json:"quorum" yaml:"quorum"`
	Approvers       []string `json:"approvers" yaml:"approvers"`
	MaxDurationMs   int64    `json:"max_duration_ms" yaml:"max_duration_ms"`
	SweepIntervalMs int64    `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
}

func (s EmergencySettings) ToEmergencyConfig() EmergencyConfig {
	return EmergencyConfig{
		Quorum:        s.Quorum,
		Approvers:     s.Approvers,
		MaxDuration:   time.Duration(s.MaxDurationMs) * time.Millisecond,
		SweepInterval: time.Duration(s.SweepIntervalMs) * time.Millisecond,
	}
}

// ConfigLoader loads configuration from various formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the compact binary format.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

// EncodeBinaryConfig encodes config to the compact binary format.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the configuration for structural problems without
// touching any engine.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Policies))
	schema := BuildSchema(c.Schema)
	v := NewValidator(schema)
	for _, p := range c.Policies {
		if p.ID == "" {
			return &ValidationError{Message: "policy missing id", Field: "policies"}
		}
		if seen[p.ID] {
			return &ValidationError{Message: fmt.Sprintf("duplicate policy id %q", p.ID), Field: "policies"}
		}
		seen[p.ID] = true
		if _, err := v.Validate(p.Text); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	if c.Risk.Threshold < 0 || c.Risk.Threshold > MaxRiskScore {
		return &ValidationError{Message: fmt.Sprintf("risk threshold must be within [0,%d]", MaxRiskScore), Field: "risk.threshold"}
	}
	return nil
}

// BuildSchema materializes a static schema from configuration.
func BuildSchema(cfg SchemaConfig) *StaticSchema {
	s := NewStaticSchema()
	for _, a := range cfg.Actions {
		s.RegisterAction(a)
	}
	for _, et := range cfg.EntityTypes {
		s.RegisterEntityType(et)
	}
	for _, group := range cfg.Attributes {
		for _, attr := range group.Attributes {
			s.RegisterAttribute(group.Scope, attr.Name, attr.Type)
		}
	}
	return s
}

// BuildRiskEngine materializes a risk engine from configuration,
// registering the built-in signal set with configured weights.
func BuildRiskEngine(cfg RiskConfig, clock Clock) (*RiskEngine, error) {
	opts := []RiskOption{}
	if cfg.Threshold > 0 {
		opts = append(opts, WithRiskThreshold(cfg.Threshold))
	}
	if cfg.SignalTimeoutMs > 0 {
		opts = append(opts, WithSignalTimeout(time.Duration(cfg.SignalTimeoutMs)*time.Millisecond))
	}
	if clock == nil {
		clock = SystemClock()
	}
	opts = append(opts, WithRiskClock(clock))
	r := NewRiskEngine(opts...)
	weight := func(name string, fallback int) int {
		if w, ok := cfg.Weights[name]; ok {
			return w
		}
		return fallback
	}
	if len(cfg.TrustedNetworks) > 0 {
		netSignal, err := NewNetworkOriginSignal(cfg.TrustedNetworks)
		if err != nil {
			return nil, err
		}
		r.Register(netSignal, weight("network_origin", 30))
	}
	start, end := cfg.OfficeHoursStart, cfg.OfficeHoursEnd
	if start == 0 && end == 0 {
		start, end = 8, 18
	}
	r.Register(NewOffHoursSignal(start, end, clock), weight("off_hours", 20))
	r.Register(WeakAuthSignal{}, weight("missing_mfa", 25))
	return r, nil
}

// NewEngineFromConfig builds a fully wired engine: schema and tuning
// from the configuration, a risk engine from the risk settings, and the
// declared policies loaded through the normal write path. Extra options
// are applied last so callers can still override the clock or logger.
func NewEngineFromConfig(ctx context.Context, cfg *Config, store PolicyStore, audit AuditSink, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	risk, err := BuildRiskEngine(cfg.Risk, nil)
	if err != nil {
		return nil, err
	}
	all := append(cfg.Engine.EngineOptions(), WithRiskEngine(risk))
	all = append(all, opts...)
	engine, err := NewEngine(store, BuildSchema(cfg.Schema), audit, all...)
	if err != nil {
		return nil, err
	}
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

// ApplyConfig loads declared policies into the engine, creating new
// ones and updating those whose text or metadata changed.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, pc := range cfg.Policies {
		status := pc.Status
		if status == "" {
			status = StatusActive
		}
		existing, err := e.policyStore.GetPolicy(ctx, pc.ID)
		if err != nil {
			if !IsNotFound(err) {
				return fmt.Errorf("load policy %s: %w", pc.ID, err)
			}
			p := &Policy{ID: pc.ID, Name: pc.Name, Text: pc.Text, Status: status, Author: pc.Author, Tags: pc.Tags}
			if _, err := e.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", pc.ID, err)
			}
			continue
		}
		if existing.Text == pc.Text && existing.Status == status && existing.Name == pc.Name {
			continue
		}
		p := &Policy{
			ID:      pc.ID,
			Name:    pc.Name,
			Text:    pc.Text,
			Status:  status,
			Author:  pc.Author,
			Tags:    pc.Tags,
			Version: existing.Version,
		}
		if _, err := e.UpdatePolicy(ctx, p); err != nil {
			return fmt.Errorf("update policy %s: %w", pc.ID, err)
		}
	}
	return nil
}

// ============================================================================
// BINARY FORMAT
// ============================================================================

// Compact length-prefixed section format:
//   magic "ABC1", version uint16, then tagged sections.
const binaryMagic = "ABC1"

const (
	sectionSchema    uint8 = 1
	sectionPolicies  uint8 = 2
	sectionEngine    uint8 = 3
	sectionRisk      uint8 = 4
	sectionEmergency uint8 = 5
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}
	buf.WriteString(binaryMagic)
	_ = binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeJSONSection(buf, sectionSchema, cfg.Schema)
	writeJSONSection(buf, sectionPolicies, cfg.Policies)
	writeJSONSection(buf, sectionEngine, cfg.Engine)
	writeJSONSection(buf, sectionRisk, cfg.Risk)
	writeJSONSection(buf, sectionEmergency, cfg.Emergency)

	_, err := w.Write(buf.Bytes())
	return err
}

func writeJSONSection(buf *bytes.Buffer, tag uint8, v any) {
	b, _ := json.Marshal(v)
	buf.WriteByte(tag)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func decodeBinaryConfig(r *bytes.Reader) (*Config, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != binaryMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	cfg := &Config{}
	if err := binary.Read(r, binary.LittleEndian, &cfg.Version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	for {
		tag, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read section length: %w", err)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read section: %w", err)
		}
		switch tag {
		case sectionSchema:
			err = json.Unmarshal(data, &cfg.Schema)
		case sectionPolicies:
			err = json.Unmarshal(data, &cfg.Policies)
		case sectionEngine:
			err = json.Unmarshal(data, &cfg.Engine)
		case sectionRisk:
			err = json.Unmarshal(data, &cfg.Risk)
		case sectionEmergency:
			err = json.Unmarshal(data, &cfg.Emergency)
		default:
			// unknown sections are skipped for forward compatibility
		}
		if err != nil {
			return nil, fmt.Errorf("decode section %d: %w", tag, err)
		}
	}
	return cfg, nil
}
