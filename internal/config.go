package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigDuration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type ConfigDuration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *ConfigDuration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = ConfigDuration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d ConfigDuration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d ConfigDuration) Duration() time.Duration { return time.Duration(d) }

// RetryConfig is the YAML form of a RetryPolicy.
type RetryConfig struct {
	MaxAttempts int            `yaml:"max_attempts"`
	Interval    ConfigDuration `yaml:"interval"`
	Deadline    ConfigDuration `yaml:"deadline"`
}

// Policy converts to a RetryPolicy, filling unset values from the default.
func (rc *RetryConfig) Policy() RetryPolicy {
	policy := DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		policy.MaxAttempts = rc.MaxAttempts
	}
	if rc.Interval > 0 {
		policy.Interval = rc.Interval.Duration()
	}
	if rc.Deadline > 0 {
		policy.Deadline = rc.Deadline.Duration()
	}
	return policy
}

// SegmentConfig is the YAML form of a NetworkSegment.
type SegmentConfig struct {
	Name  string `yaml:"name"`
	CIDR  string `yaml:"cidr"`
	Class string `yaml:"class"`
}

// InstanceConfig is the YAML form of an Instance. Root is a required,
// explicit declaration; it is deliberately not inferred from an absent seed
// list.
type InstanceConfig struct {
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	Segments  []string `yaml:"segments"`
	DependsOn string   `yaml:"depends_on,omitempty"`
	Root      bool     `yaml:"root"`
	Seeds     []string `yaml:"seeds,omitempty"`
}

// ScenarioConfig is the YAML form of a Scenario.
type ScenarioConfig struct {
	Name             string         `yaml:"name"`
	Instance         string         `yaml:"instance"`
	Rule             string         `yaml:"rule,omitempty"`
	Field            string         `yaml:"field,omitempty"`
	Op               string         `yaml:"op,omitempty"`
	Value            int64          `yaml:"value,omitempty"`
	Equals           string         `yaml:"equals,omitempty"`
	VerifyDependency bool           `yaml:"verify_dependency,omitempty"`
	Within           ConfigDuration `yaml:"within,omitempty"`
}

// RunConfig is the declarative run configuration: topology, scenarios, and
// pacing.
type RunConfig struct {
	Image               string           `yaml:"image"`
	SettleWindow        ConfigDuration   `yaml:"settle_window,omitempty"`
	ConcurrentScenarios bool             `yaml:"concurrent_scenarios,omitempty"`
	Retry               RetryConfig      `yaml:"retry,omitempty"`
	Segments            []SegmentConfig  `yaml:"segments"`
	Instances           []InstanceConfig `yaml:"instances"`
	Scenarios           []ScenarioConfig `yaml:"scenarios"`
}

// LoadRunConfig reads and validates a YAML run configuration. Unknown keys
// are rejected so typos fail loudly instead of silently dropping a field.
func LoadRunConfig(path string) (*RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run config: %w", err)
	}
	defer f.Close()

	var config RunConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse run config %q: %w", path, err)
	}

	if _, err := config.BuildTopology(); err != nil {
		return nil, err
	}
	if _, err := config.BuildScenarios(); err != nil {
		return nil, err
	}
	return &config, nil
}

// BuildTopology converts the configuration into a validated Topology.
func (c *RunConfig) BuildTopology() (*Topology, error) {
	topology := &Topology{Image: c.Image}
	for _, seg := range c.Segments {
		topology.Segments = append(topology.Segments, NetworkSegment{
			Name:  seg.Name,
			CIDR:  seg.CIDR,
			Class: SegmentClass(seg.Class),
		})
	}
	for _, inst := range c.Instances {
		topology.Instances = append(topology.Instances, &Instance{
			Name:         inst.Name,
			Role:         InstanceRole(inst.Role),
			Segments:     inst.Segments,
			DependsOn:    inst.DependsOn,
			Root:         inst.Root,
			SeedOverride: inst.Seeds,
		})
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	return topology, nil
}

// BuildScenarios converts scenario configurations, checking operator names
// and required fields.
func (c *RunConfig) BuildScenarios() ([]Scenario, error) {
	scenarios := make([]Scenario, 0, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		if sc.Name == "" || sc.Instance == "" {
			return nil, fmt.Errorf("scenario must declare a name and an instance")
		}
		if !sc.VerifyDependency {
			if sc.Rule == "" {
				return nil, fmt.Errorf("scenario %q must declare a rule", sc.Name)
			}
			if sc.Equals == "" {
				switch CompareOp(sc.Op) {
				case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
				default:
					return nil, fmt.Errorf("scenario %q has invalid operator %q", sc.Name, sc.Op)
				}
			}
		}
		scenarios = append(scenarios, Scenario{
			Name:             sc.Name,
			Instance:         sc.Instance,
			Rule:             sc.Rule,
			Field:            sc.Field,
			Op:               CompareOp(sc.Op),
			Value:            sc.Value,
			Equals:           sc.Equals,
			VerifyDependency: sc.VerifyDependency,
			Within:           sc.Within.Duration(),
		})
	}
	return scenarios, nil
}

// DefaultRunConfig returns the standard NAT traversal validation run: a
// bootstrap root on a simulated public segment, two peers behind separate
// private segments, and a directly reachable public peer, with scenarios
// covering connectivity, configured seeds, hole-punch activity, and
// reachability detection.
func DefaultRunConfig(image string) *RunConfig {
	return &RunConfig{
		Image:        image,
		SettleWindow: ConfigDuration(15 * time.Second),
		Segments: []SegmentConfig{
			{Name: "public-net", CIDR: DefaultPublicSubnet, Class: string(SegmentPublic)},
			{Name: "nat-a", CIDR: DefaultNATASubnet, Class: string(SegmentPrivate)},
			{Name: "nat-b", CIDR: DefaultNATBSubnet, Class: string(SegmentPrivate)},
		},
		Instances: []InstanceConfig{
			{Name: "bootstrap", Role: string(RoleBootstrap), Segments: []string{"public-net"}, Root: true},
			{Name: "peer-a", Role: string(RolePeer), Segments: []string{"nat-a", "public-net"}, DependsOn: "bootstrap"},
			{Name: "peer-b", Role: string(RolePeer), Segments: []string{"nat-b", "public-net"}, DependsOn: "bootstrap"},
			{Name: "public-peer", Role: string(RolePublicPeer), Segments: []string{"public-net"}, DependsOn: "bootstrap"},
		},
		Scenarios: []ScenarioConfig{
			{Name: "peer-a connects to network", Instance: "peer-a", Rule: RuleConnectedPeer, Op: string(OpGreater), Value: 0},
			{Name: "peer-b connects to network", Instance: "peer-b", Rule: RuleConnectedPeer, Op: string(OpGreater), Value: 0},
			{Name: "peer-a seeded with bootstrap identifier", Instance: "peer-a", VerifyDependency: true},
			{Name: "peer-a attempts hole punching", Instance: "peer-a", Rule: "dcutr", Field: "attempts", Op: string(OpGreater), Value: 0},
			{Name: "peer-a hole-punch activity signal", Instance: "peer-a", Rule: "dcutr_mentions", Op: string(OpGreater), Value: 0},
			{Name: "public-peer detects public reachability", Instance: "public-peer", Rule: RuleReachability, Equals: "Public"},
		},
	}
}
