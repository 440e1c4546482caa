package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evidenceFrom(instance string, lines ...string) *LogEvidence {
	ev := &LogEvidence{Instance: instance, Since: testBase}
	for i, text := range lines {
		ev.Lines = append(ev.Lines, LogLine{
			Timestamp: testBase.Add(time.Duration(i+1) * time.Second),
			Text:      text,
		})
	}
	return ev
}

func testParser() *MetricParser {
	return NewMetricParser(DefaultRuleSet(), NewManualClock(testBase), nil)
}

func TestParseStructuredCounters(t *testing.T) {
	ev := evidenceFrom("peer-a", "DCUtR attempts=5 successes=3 failures=2")

	metrics, err := testParser().Parse(ev, []string{"dcutr"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)

	m := metrics[0]
	assert.Equal(t, MetricStructured, m.Kind)
	assert.Equal(t, map[string]int64{"attempts": 5, "successes": 3, "failures": 2}, m.Fields)
}

func TestParseStructuredTakesLatestSummaryLine(t *testing.T) {
	ev := evidenceFrom("peer-a",
		"dcutr attempts=1 successes=0 failures=1",
		"dcutr attempts=4 successes=2 failures=2",
	)

	metrics, err := testParser().Parse(ev, []string{"dcutr"})
	require.NoError(t, err)
	attempts, ok := metrics[0].Field("attempts")
	require.True(t, ok)
	assert.Equal(t, int64(4), attempts, "counters are cumulative; the last summary holds current totals")
}

func TestParseMalformedMetricSurfaced(t *testing.T) {
	ev := evidenceFrom("peer-a", "dcutr attempts=banana successes=3 failures=2")

	_, err := testParser().Parse(ev, []string{"dcutr"})
	require.Error(t, err)

	var malformed *MalformedMetricError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "attempts", malformed.Field)
	assert.Equal(t, "banana", malformed.Captured)
}

// Structured counts and occurrence counts must diverge when the log
// mentions a protocol without a structured summary. Conflating the two
// previously misreported mention activity as real attempt counts.
func TestParseStructuredAndOccurrenceDiverge(t *testing.T) {
	ev := evidenceFrom("peer-a",
		"initiating DCUtR upgrade with relay",
		"DCUtR negotiation stalled",
		"dcutr attempts=1 successes=0 failures=1",
	)

	metrics, err := testParser().Parse(ev, []string{"dcutr", "dcutr_mentions"})
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	structured, occurrence := metrics[0], metrics[1]
	assert.Equal(t, MetricStructured, structured.Kind)
	assert.Equal(t, MetricOccurrence, occurrence.Kind)

	attempts, _ := structured.Field("attempts")
	assert.Equal(t, int64(1), attempts)
	assert.Equal(t, 3, occurrence.Count)
	assert.NotEqual(t, int64(occurrence.Count), attempts)
}

func TestParseTextEnum(t *testing.T) {
	ev := evidenceFrom("peer-a", "reachability=Public")

	metrics, err := testParser().Parse(ev, []string{RuleReachability})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, MetricText, metrics[0].Kind)
	assert.Equal(t, "Public", metrics[0].Value)
}

func TestParseTextEnumRejectsUnknownValue(t *testing.T) {
	ev := evidenceFrom("peer-a", "reachability=Sideways")

	_, err := testParser().Parse(ev, []string{RuleReachability})
	require.Error(t, err)

	var malformed *MalformedMetricError
	assert.ErrorAs(t, err, &malformed)
}

func TestParseAbsentRuleYieldsNoMetric(t *testing.T) {
	ev := evidenceFrom("peer-a", "nothing matches here")

	metrics, err := testParser().Parse(ev, []string{"dcutr", RuleReachability})
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestParseUnknownRuleName(t *testing.T) {
	ev := evidenceFrom("peer-a", "anything")

	_, err := testParser().Parse(ev, []string{"no-such-rule"})
	require.Error(t, err)
}

func TestRuleSetRejectsDuplicates(t *testing.T) {
	rs := DefaultRuleSet()
	err := rs.Register(&ExtractionRule{Name: RuleIdentifier, Pattern: DefaultRuleSet().Get(RuleIdentifier).Pattern})
	require.Error(t, err)
}

func TestMetricStoreLatestAndHistory(t *testing.T) {
	store := NewMetricStore()
	store.Record(Metric{Instance: "peer-a", Name: "dcutr", Kind: MetricStructured, Fields: map[string]int64{"attempts": 1}})
	store.Record(Metric{Instance: "peer-a", Name: "dcutr", Kind: MetricStructured, Fields: map[string]int64{"attempts": 4}})

	latest, ok := store.Latest("peer-a", "dcutr")
	require.True(t, ok)
	attempts, _ := latest.Field("attempts")
	assert.Equal(t, int64(4), attempts)

	history := store.History("peer-a", "dcutr")
	assert.Len(t, history, 2)

	_, ok = store.Latest("peer-a", "autonat")
	assert.False(t, ok)

	assert.Len(t, store.Snapshot(), 1)
}
