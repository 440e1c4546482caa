package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// InstanceRole classifies an instance within the test topology.
type InstanceRole string

const (
	RoleBootstrap  InstanceRole = "bootstrap"
	RolePeer       InstanceRole = "peer"
	RolePublicPeer InstanceRole = "public-peer"
)

// InstanceState is the lifecycle state of one instance. Failed is reachable
// from any non-terminal state.
type InstanceState int

const (
	StateCreated InstanceState = iota
	StateStarting
	StateRunning
	StateReady
	StateStopped
	StateFailed
)

// String returns a string representation of the instance state.
func (s InstanceState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateReady:
		return "READY"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// NetworkSegment declares one isolated network. Immutable once declared.
type NetworkSegment struct {
	Name  string
	CIDR  string
	Class SegmentClass
}

// Instance declares one containerized node instance.
//
// Root is an explicit, required declaration that the instance is a
// dependency root with no external connectivity requirement. Root-ness is
// never inferred from an absent seed list: an unset seed list on a root
// means "start with no seeds", and a root must never silently fall back to
// a default seed list, since that invalidates every downstream measurement.
type Instance struct {
	Name      string
	Role      InstanceRole
	Segments  []string
	DependsOn string
	Root      bool

	// SeedOverride is an explicit operator-supplied seed list. For root
	// instances it is normally empty.
	SeedOverride []string
}

// Topology is the declared set of segments and instances for one run.
type Topology struct {
	Segments  []NetworkSegment
	Instances []*Instance
	Image     string
}

// InstanceByName returns the named instance declaration, or nil.
func (t *Topology) InstanceByName(name string) *Instance {
	for _, inst := range t.Instances {
		if inst.Name == name {
			return inst
		}
	}
	return nil
}

// Validate checks the declared topology before anything is created: valid
// roles and segment classes, parseable address blocks, existing segment and
// dependency references, at most one dependency per instance, and an
// acyclic dependency graph. Roots may not declare dependencies.
func (t *Topology) Validate() error {
	if t.Image == "" {
		return fmt.Errorf("topology must declare a node image")
	}
	if len(t.Instances) == 0 {
		return fmt.Errorf("topology must declare at least one instance")
	}

	segments := make(map[string]bool)
	for _, seg := range t.Segments {
		if seg.Name == "" {
			return fmt.Errorf("network segment must have a name")
		}
		if segments[seg.Name] {
			return fmt.Errorf("duplicate network segment %q", seg.Name)
		}
		if seg.Class != SegmentPublic && seg.Class != SegmentPrivate {
			return fmt.Errorf("segment %q has invalid class %q", seg.Name, seg.Class)
		}
		if err := ValidateSubnet(seg.CIDR); err != nil {
			return fmt.Errorf("segment %q: %w", seg.Name, err)
		}
		segments[seg.Name] = true
	}

	names := make(map[string]bool)
	for _, inst := range t.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance must have a name")
		}
		if names[inst.Name] {
			return fmt.Errorf("duplicate instance %q", inst.Name)
		}
		names[inst.Name] = true

		switch inst.Role {
		case RoleBootstrap, RolePeer, RolePublicPeer:
		default:
			return fmt.Errorf("instance %q has invalid role %q", inst.Name, inst.Role)
		}
		if len(inst.Segments) == 0 {
			return fmt.Errorf("instance %q must belong to at least one segment", inst.Name)
		}
		for _, seg := range inst.Segments {
			if !segments[seg] {
				return fmt.Errorf("instance %q references undeclared segment %q", inst.Name, seg)
			}
		}
		if inst.Root && inst.DependsOn != "" {
			return fmt.Errorf("root instance %q may not declare a dependency", inst.Name)
		}
	}

	for _, inst := range t.Instances {
		if inst.DependsOn == "" {
			continue
		}
		if inst.DependsOn == inst.Name {
			return fmt.Errorf("instance %q depends on itself", inst.Name)
		}
		if !names[inst.DependsOn] {
			return fmt.Errorf("instance %q depends on undeclared instance %q", inst.Name, inst.DependsOn)
		}
	}

	if _, err := t.startOrder(); err != nil {
		return err
	}
	return nil
}

// startOrder returns instances in dependency order, stable with respect to
// declaration order among independent instances.
func (t *Topology) startOrder() ([]*Instance, error) {
	placed := make(map[string]bool)
	var order []*Instance

	for len(order) < len(t.Instances) {
		progressed := false
		for _, inst := range t.Instances {
			if placed[inst.Name] {
				continue
			}
			if inst.DependsOn != "" && !placed[inst.DependsOn] {
				continue
			}
			placed[inst.Name] = true
			order = append(order, inst)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle in topology")
		}
	}
	return order, nil
}

// TopologyManagerConfig holds configuration for the topology manager.
type TopologyManagerConfig struct {
	Runtime   ContainerRuntime
	Extractor *Extractor
	Clock     Clock
	Logger    *logrus.Entry

	// IdentifierPolicy bounds identifier extraction for dependency roots.
	IdentifierPolicy RetryPolicy

	// ReadyPolicy bounds the readiness probe when it extracts the
	// service-initialized log line.
	ReadyPolicy RetryPolicy

	// SettleDelay, when positive, replaces the log-based readiness probe
	// with a fixed wait. The log probe is preferred; this is the fallback
	// for node builds that do not emit the readiness line.
	SettleDelay time.Duration

	// Rules supplies the extraction rules for identifier and readiness.
	Rules *RuleSet
}

// DefaultTopologyManagerConfig returns a default manager configuration for
// the given runtime.
func DefaultTopologyManagerConfig(runtime ContainerRuntime) *TopologyManagerConfig {
	logger := logrus.WithField("component", "topology")
	source := NewLogSource(runtime, nil)
	return &TopologyManagerConfig{
		Runtime:          runtime,
		Extractor:        NewExtractor(source, nil),
		Clock:            NewSystemClock(),
		Logger:           logger,
		IdentifierPolicy: DefaultRetryPolicy(),
		ReadyPolicy:      RetryPolicy{MaxAttempts: 30, Interval: time.Second, Deadline: 45 * time.Second},
		Rules:            DefaultRuleSet(),
	}
}

// TopologyManager drives the instance lifecycle in dependency order and
// publishes resolved identifiers. Lifecycle transitions run on a single
// control flow; the identifier map is written only by that flow and read
// by configuration builders and scenario observers.
type TopologyManager struct {
	topology *Topology
	config   *TopologyManagerConfig
	logger   *logrus.Entry

	mu          sync.RWMutex
	states      map[string]InstanceState
	startTimes  map[string]time.Time
	identifiers map[string]string
}

// NewTopologyManager validates the topology and creates its manager.
func NewTopologyManager(topology *Topology, config *TopologyManagerConfig) (*TopologyManager, error) {
	if config == nil || config.Runtime == nil {
		return nil, fmt.Errorf("topology manager requires a container runtime")
	}
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if config.Extractor == nil {
		config.Extractor = NewExtractor(NewLogSource(config.Runtime, nil), nil)
	}
	if config.Rules == nil {
		config.Rules = DefaultRuleSet()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "topology")
	}

	tm := &TopologyManager{
		topology:    topology,
		config:      config,
		logger:      logger,
		states:      make(map[string]InstanceState),
		startTimes:  make(map[string]time.Time),
		identifiers: make(map[string]string),
	}
	for _, inst := range topology.Instances {
		tm.states[inst.Name] = StateCreated
	}
	return tm, nil
}

// Up brings the topology to Ready: leftover resources from a previous run
// are cleared, segments are created, and instances start in dependency
// order, with each dependency root's identifier extracted and published
// before any dependent is configured.
func (tm *TopologyManager) Up(ctx context.Context) error {
	tm.logger.WithFields(logrus.Fields{
		"segments":  len(tm.topology.Segments),
		"instances": len(tm.topology.Instances),
	}).Info("🚀 Bringing up test topology")

	// A previous run may have left containers behind; their logs would
	// contaminate identifier extraction for this run.
	if err := tm.Down(ctx); err != nil {
		return fmt.Errorf("pre-run cleanup failed: %w", err)
	}

	for _, seg := range tm.topology.Segments {
		spec := NetworkSpec{
			Name:     seg.Name,
			Subnet:   seg.CIDR,
			Internal: seg.Class == SegmentPrivate,
		}
		if err := tm.config.Runtime.CreateNetwork(ctx, spec); err != nil {
			return err
		}
	}

	order, err := tm.topology.startOrder()
	if err != nil {
		return err
	}
	for _, inst := range order {
		if err := tm.startInstance(ctx, inst); err != nil {
			tm.setState(inst.Name, StateFailed)
			return err
		}
	}

	tm.logger.Info("✅ Topology ready")
	return nil
}

// startInstance drives one instance Created → Starting → Running → Ready and
// publishes its identifier when other instances depend on it.
func (tm *TopologyManager) startInstance(ctx context.Context, inst *Instance) error {
	if inst.DependsOn != "" {
		if _, ok := tm.Identifier(inst.DependsOn); !ok {
			return &DependencyUnresolvedError{Instance: inst.Name, DependsOn: inst.DependsOn}
		}
	}

	spec, err := tm.buildInstanceSpec(inst)
	if err != nil {
		return err
	}

	if err := tm.config.Runtime.CreateInstance(ctx, spec); err != nil {
		return err
	}
	tm.setState(inst.Name, StateStarting)
	tm.logger.WithFields(logrus.Fields{
		"instance": inst.Name,
		"role":     inst.Role,
		"seeds":    len(tm.seedListFor(inst)),
	}).Info("Starting instance")

	if err := tm.config.Runtime.StartInstance(ctx, inst.Name); err != nil {
		return err
	}

	started, err := tm.waitForStartTime(ctx, inst.Name)
	if err != nil {
		return err
	}
	tm.setStartTime(inst.Name, started)
	tm.setState(inst.Name, StateRunning)

	if err := tm.waitForReady(ctx, inst.Name, started); err != nil {
		return err
	}
	tm.setState(inst.Name, StateReady)

	// Every instance's identifier feeds the isolation check; only a
	// dependency root's identifier is allowed to block the run.
	if err := tm.resolveIdentifier(ctx, inst.Name, started); err != nil {
		if tm.hasDependents(inst.Name) {
			return err
		}
		tm.logger.WithField("instance", inst.Name).WithError(err).
			Warn("⚠️  Identifier not resolved; instance has no dependents, continuing")
	}
	return nil
}

// buildInstanceSpec produces the node's configuration: seed-peer list,
// verbose NAT logging, and the dependency-root flag. A root instance gets
// an explicitly empty seed list unless the operator overrode it.
func (tm *TopologyManager) buildInstanceSpec(inst *Instance) (InstanceSpec, error) {
	cmd := []string{"--log-nat-verbose"}
	if inst.Root {
		cmd = append(cmd, "--dependency-root")
	}
	for _, seed := range tm.seedListFor(inst) {
		cmd = append(cmd, "--seed", seed)
	}

	return InstanceSpec{
		Name:     inst.Name,
		Image:    tm.topology.Image,
		Cmd:      cmd,
		Env:      []string{"NODE_ROLE=" + string(inst.Role)},
		Networks: inst.Segments,
		Labels:   map[string]string{"nattest.instance": inst.Name},
	}, nil
}

// seedListFor computes the seed-peer list an instance is configured with.
func (tm *TopologyManager) seedListFor(inst *Instance) []string {
	seeds := append([]string(nil), inst.SeedOverride...)
	if inst.DependsOn != "" {
		if id, ok := tm.Identifier(inst.DependsOn); ok {
			seeds = append(seeds, fmt.Sprintf("%s@%s", id, inst.DependsOn))
		}
	}
	return seeds
}

// waitForStartTime polls the runtime for the incarnation start timestamp.
// The runtime reports SourceUnavailable until the container state settles.
func (tm *TopologyManager) waitForStartTime(ctx context.Context, name string) (time.Time, error) {
	policy := tm.config.ReadyPolicy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		started, err := tm.config.Runtime.InspectStartTime(ctx, name)
		if err == nil {
			return started, nil
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			return time.Time{}, err
		}
		lastErr = err

		timer := time.NewTimer(policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-timer.C:
		}
	}
	return time.Time{}, fmt.Errorf("instance %q never reported a start time: %w", name, lastErr)
}

// waitForReady drives Running → Ready, preferring extraction of the
// service-initialized log line over a hidden sleep.
func (tm *TopologyManager) waitForReady(ctx context.Context, name string, started time.Time) error {
	if tm.config.SettleDelay > 0 {
		timer := time.NewTimer(tm.config.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	rule := tm.config.Rules.Get(RuleServiceReady)
	if rule == nil {
		return fmt.Errorf("readiness rule %q not registered", RuleServiceReady)
	}
	if _, err := tm.config.Extractor.Extract(ctx, name, rule, started, tm.config.ReadyPolicy); err != nil {
		return fmt.Errorf("instance %q never became ready: %w", name, err)
	}
	return nil
}

// resolveIdentifier extracts and publishes the instance's identity
// announcement. NotFound here is fatal: dependents cannot be configured.
func (tm *TopologyManager) resolveIdentifier(ctx context.Context, name string, started time.Time) error {
	rule := tm.config.Rules.Get(RuleIdentifier)
	if rule == nil {
		return fmt.Errorf("identifier rule %q not registered", RuleIdentifier)
	}

	id, err := tm.config.Extractor.Extract(ctx, name, rule, started, tm.config.IdentifierPolicy)
	if err != nil {
		return fmt.Errorf("failed to resolve identifier of %q: %w", name, err)
	}
	if err := tm.publishIdentifier(name, id); err != nil {
		return err
	}

	tm.logger.WithFields(logrus.Fields{
		"instance":   name,
		"identifier": id,
	}).Info("✅ Identifier resolved")
	return nil
}

// publishIdentifier records an identifier, at most once per incarnation.
func (tm *TopologyManager) publishIdentifier(name, id string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if existing, ok := tm.identifiers[name]; ok && existing != id {
		return fmt.Errorf("identifier of %q already published as %q", name, existing)
	}
	tm.identifiers[name] = id
	return nil
}

// hasDependents reports whether any instance depends on name.
func (tm *TopologyManager) hasDependents(name string) bool {
	for _, inst := range tm.topology.Instances {
		if inst.DependsOn == name {
			return true
		}
	}
	return false
}

// Identifier returns the published identifier for an instance, if resolved.
func (tm *TopologyManager) Identifier(name string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	id, ok := tm.identifiers[name]
	return id, ok
}

// Identifiers returns a copy of all published identifiers.
func (tm *TopologyManager) Identifiers() map[string]string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make(map[string]string, len(tm.identifiers))
	for k, v := range tm.identifiers {
		out[k] = v
	}
	return out
}

// StateOf returns the lifecycle state of an instance.
func (tm *TopologyManager) StateOf(name string) InstanceState {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.states[name]
}

// IncarnationStart returns the start timestamp of the instance's current
// incarnation. All log queries for the instance must be scoped to it.
func (tm *TopologyManager) IncarnationStart(name string) (time.Time, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ts, ok := tm.startTimes[name]
	return ts, ok
}

// Topology returns the declared topology.
func (tm *TopologyManager) Topology() *Topology {
	return tm.topology
}

func (tm *TopologyManager) setState(name string, state InstanceState) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.states[name] = state
}

func (tm *TopologyManager) setStartTime(name string, ts time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.startTimes[name] = ts
}

// Down releases instances in reverse dependency order, then segments.
// It is idempotent: resources already absent are skipped without error, so
// it doubles as the pre-run cleanup pass.
func (tm *TopologyManager) Down(ctx context.Context) error {
	order, err := tm.topology.startOrder()
	if err != nil {
		return err
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		inst := order[i]
		if err := tm.config.Runtime.StopInstance(ctx, inst.Name); err != nil {
			errs = append(errs, err)
		}
		if err := tm.config.Runtime.RemoveInstance(ctx, inst.Name); err != nil {
			errs = append(errs, err)
		}
		if tm.StateOf(inst.Name) != StateCreated {
			tm.setState(inst.Name, StateStopped)
		}
	}
	for i := len(tm.topology.Segments) - 1; i >= 0; i-- {
		if err := tm.config.Runtime.RemoveNetwork(ctx, tm.topology.Segments[i].Name); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("teardown completed with errors: %w", errors.Join(errs...))
	}
	return nil
}
