package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorFirstMatchWins(t *testing.T) {
	f := newFakeRuntime(testBase)
	f.instances["node"] = InstanceSpec{Name: "node"}
	f.addLog("node", testBase.Add(1*time.Second), "identifier=FIRST1")
	f.addLog("node", testBase.Add(2*time.Second), "identifier=LATER2")

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)

	value, err := ex.Extract(context.Background(), "node", rule, testBase, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, "FIRST1", value, "the identifier established at startup wins, not a later line")
}

func TestExtractorIdempotentAfterMatch(t *testing.T) {
	f := newFakeRuntime(testBase)
	f.instances["node"] = InstanceSpec{Name: "node"}
	f.addLog("node", testBase.Add(time.Second), "identifier=STABLE")

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)

	first, err := ex.Extract(context.Background(), "node", rule, testBase, fastPolicy())
	require.NoError(t, err)

	// More output arrives; repeated extraction still returns the same value.
	f.addLog("node", testBase.Add(2*time.Second), "identifier=NOISE9")
	second, err := ex.Extract(context.Background(), "node", rule, testBase, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtractorRetriesUntilLineAppears(t *testing.T) {
	f := newFakeRuntime(testBase)
	f.instances["node"] = InstanceSpec{Name: "node"}
	f.addLogAfter("node", 3, testBase.Add(time.Second), "identifier=DELAYED")

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)

	value, err := ex.Extract(context.Background(), "node", rule, testBase, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, "DELAYED", value)
}

func TestExtractorRetriesThroughSourceUnavailable(t *testing.T) {
	f := newFakeRuntime(testBase)
	// Instance appears only after the first attempt has failed.
	go func() {
		time.Sleep(2 * time.Millisecond)
		f.mu.Lock()
		f.instances["node"] = InstanceSpec{Name: "node"}
		f.logs["node"] = append(f.logs["node"], fakeLogLine{ts: testBase.Add(time.Second), text: "identifier=LATE33"})
		f.mu.Unlock()
	}()

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)
	policy := RetryPolicy{MaxAttempts: 50, Interval: time.Millisecond, Deadline: 2 * time.Second}

	value, err := ex.Extract(context.Background(), "node", rule, testBase, policy)
	require.NoError(t, err)
	assert.Equal(t, "LATE33", value)
}

func TestExtractorExhaustsBudget(t *testing.T) {
	f := newFakeRuntime(testBase)
	f.instances["node"] = InstanceSpec{Name: "node"}
	f.addLog("node", testBase.Add(time.Second), "nothing interesting here")

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)

	_, err := ex.Extract(context.Background(), "node", rule, testBase, fastPolicy())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtractorCancelledDuringWait(t *testing.T) {
	f := newFakeRuntime(testBase)
	f.instances["node"] = InstanceSpec{Name: "node"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)
	policy := RetryPolicy{MaxAttempts: 1000, Interval: 10 * time.Millisecond}

	_, err := ex.Extract(ctx, "node", rule, testBase, policy)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractorRejectsEmptyBudget(t *testing.T) {
	f := newFakeRuntime(testBase)
	ex := NewExtractor(NewLogSource(f, nil), nil)
	rule := DefaultRuleSet().Get(RuleIdentifier)

	_, err := ex.Extract(context.Background(), "node", rule, testBase, RetryPolicy{})
	require.Error(t, err)
}
