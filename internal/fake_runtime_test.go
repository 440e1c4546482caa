package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeLogLine is one line of synthetic instance output. afterFetch hides
// the line until the instance's log stream has been fetched that many
// times, simulating output that appears while an extractor is retrying.
type fakeLogLine struct {
	ts         time.Time
	text       string
	afterFetch int
}

// fakeRuntime is an in-memory ContainerRuntime for tests. It deliberately
// returns the full log history on every fetch, ignoring the since argument,
// to exercise the LogSource's own stale-line filtering.
type fakeRuntime struct {
	mu         sync.Mutex
	now        time.Time
	networks   map[string]NetworkSpec
	instances  map[string]InstanceSpec
	running    map[string]bool
	startTimes map[string]time.Time
	logs       map[string][]fakeLogLine
	fetches    map[string]int

	// bootLogs are materialized with post-start timestamps when the
	// instance starts, so readiness and identifier lines line up with the
	// incarnation automatically.
	bootLogs map[string][]string

	startOrder []string
	removals   []string
	onStart    map[string]func()
	startErr   map[string]error
}

func newFakeRuntime(base time.Time) *fakeRuntime {
	return &fakeRuntime{
		now:        base,
		networks:   make(map[string]NetworkSpec),
		instances:  make(map[string]InstanceSpec),
		running:    make(map[string]bool),
		startTimes: make(map[string]time.Time),
		logs:       make(map[string][]fakeLogLine),
		fetches:    make(map[string]int),
		bootLogs:   make(map[string][]string),
		onStart:    make(map[string]func()),
		startErr:   make(map[string]error),
	}
}

func (f *fakeRuntime) CreateNetwork(_ context.Context, spec NetworkSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	f.removals = append(f.removals, "network:"+name)
	return nil
}

func (f *fakeRuntime) CreateInstance(_ context.Context, spec InstanceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) StartInstance(_ context.Context, name string) error {
	f.mu.Lock()
	if err := f.startErr[name]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.now = f.now.Add(time.Second)
	f.running[name] = true
	f.startTimes[name] = f.now
	f.startOrder = append(f.startOrder, name)

	for i, text := range f.bootLogs[name] {
		f.logs[name] = append(f.logs[name], fakeLogLine{
			ts:   f.now.Add(time.Duration(i+1) * 10 * time.Millisecond),
			text: text,
		})
	}
	hook := f.onStart[name]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeRuntime) StopInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeRuntime) RemoveInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, name)
	delete(f.running, name)
	f.removals = append(f.removals, "instance:"+name)
	// Logs survive removal on purpose: the stale-incarnation tests assert
	// the LogSource never trusts runtime-side cleanup.
	return nil
}

func (f *fakeRuntime) InspectStartTime(_ context.Context, name string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[name] {
		return time.Time{}, fmt.Errorf("instance %q: %w", name, ErrSourceUnavailable)
	}
	return f.startTimes[name], nil
}

func (f *fakeRuntime) LogsSince(_ context.Context, name string, _ time.Time) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, created := f.instances[name]; !created && len(f.logs[name]) == 0 {
		return nil, fmt.Errorf("instance %q: %w", name, ErrSourceUnavailable)
	}
	f.fetches[name]++

	var buf bytes.Buffer
	for _, line := range f.logs[name] {
		if line.afterFetch > f.fetches[name] {
			continue
		}
		fmt.Fprintf(&buf, "%s %s\n", line.ts.UTC().Format(time.RFC3339Nano), line.text)
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeRuntime) Close() error { return nil }

// addLog appends a log line with an explicit timestamp.
func (f *fakeRuntime) addLog(name string, ts time.Time, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[name] = append(f.logs[name], fakeLogLine{ts: ts, text: text})
}

// addLogAfter appends a line that only becomes visible after n fetches.
func (f *fakeRuntime) addLogAfter(name string, n int, ts time.Time, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[name] = append(f.logs[name], fakeLogLine{ts: ts, text: text, afterFetch: n})
}

func (f *fakeRuntime) startTimeOf(name string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startTimes[name]
}

func (f *fakeRuntime) instanceSpec(name string) (InstanceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.instances[name]
	return spec, ok
}

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fastPolicy keeps retries cheap in tests.
func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Interval: time.Millisecond, Deadline: 2 * time.Second}
}

// testManagerConfig wires a manager against the fake runtime with fast
// retry pacing.
func testManagerConfig(f *fakeRuntime) *TopologyManagerConfig {
	source := NewLogSource(f, nil)
	return &TopologyManagerConfig{
		Runtime:          f,
		Extractor:        NewExtractor(source, nil),
		Clock:            NewSystemClock(),
		IdentifierPolicy: fastPolicy(),
		ReadyPolicy:      fastPolicy(),
		Rules:            DefaultRuleSet(),
	}
}

// twoPeerTopology is the standard fixture: a root bootstrap on the public
// segment and one peer behind a private segment depending on it.
func twoPeerTopology() *Topology {
	return &Topology{
		Image: "nat-test-node:test",
		Segments: []NetworkSegment{
			{Name: "public-net", CIDR: "10.90.0.0/24", Class: SegmentPublic},
			{Name: "nat-a", CIDR: "10.91.0.0/24", Class: SegmentPrivate},
		},
		Instances: []*Instance{
			{Name: "bootstrap", Role: RoleBootstrap, Segments: []string{"public-net"}, Root: true},
			{Name: "peer-a", Role: RolePeer, Segments: []string{"nat-a", "public-net"}, DependsOn: "bootstrap"},
		},
	}
}
