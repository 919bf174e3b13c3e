package dataflow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func trace(id, source, target string, outcome Outcome, d time.Duration, at time.Time) Trace {
	return Trace{
		ID:           id,
		SourceDomain: source,
		TargetDomain: target,
		Operation:    "op",
		Outcome:      outcome,
		Duration:     d,
		Timestamp:    at,
	}
}

func TestTracer_EvictsOldestBeyondCapacity(t *testing.T) {
	tr := NewTracer(1000, fixedNow(epoch))

	for i := 0; i < 1000; i++ {
		tr.Record(trace(fmt.Sprint(i), "a", "b", OutcomeSuccess, 0, epoch))
	}
	require.Equal(t, 1000, tr.Len())
	assert.Equal(t, "0", tr.All()[0].ID)

	tr.Record(trace("1000", "a", "b", OutcomeSuccess, 0, epoch))

	all := tr.All()
	require.Len(t, all, 1000)
	assert.Equal(t, "1", all[0].ID)
	assert.Equal(t, "1000", all[999].ID)
}

func TestTracer_SmallRingKeepsOrder(t *testing.T) {
	tr := NewTracer(3, fixedNow(epoch))
	for i := 0; i < 7; i++ {
		tr.Record(trace(fmt.Sprint(i), "a", "b", OutcomeSuccess, 0, epoch))
	}

	ids := []string{}
	for _, x := range tr.All() {
		ids = append(ids, x.ID)
	}
	assert.Equal(t, []string{"4", "5", "6"}, ids)
	assert.Equal(t, 3, tr.Capacity())
}

func TestTracer_RecentFiltersByWindow(t *testing.T) {
	tr := NewTracer(10, fixedNow(epoch))
	tr.Record(trace("old", "a", "b", OutcomeSuccess, 0, epoch.Add(-10*time.Minute)))
	tr.Record(trace("edge", "a", "b", OutcomeSuccess, 0, epoch.Add(-5*time.Minute)))
	tr.Record(trace("new", "a", "b", OutcomeSuccess, 0, epoch.Add(-time.Second)))

	recent := tr.Recent(5 * time.Minute)
	require.Len(t, recent, 2)
	assert.Equal(t, "edge", recent[0].ID)
	assert.Equal(t, "new", recent[1].ID)
}

func TestTracer_EvictOlderThan(t *testing.T) {
	tr := NewTracer(4, fixedNow(epoch))
	for i := 0; i < 6; i++ {
		at := epoch.Add(-time.Duration(6-i) * 20 * time.Minute)
		tr.Record(trace(fmt.Sprint(i), "a", "b", OutcomeSuccess, 0, at))
	}
	// buffered: 2 (-80m), 3 (-60m), 4 (-40m), 5 (-20m)

	removed := tr.EvictOlderThan(time.Hour)
	assert.Equal(t, 1, removed)
	require.Equal(t, 3, tr.Len())
	assert.Equal(t, "3", tr.All()[0].ID)

	tr.Record(trace("6", "a", "b", OutcomeSuccess, 0, epoch))
	tr.Record(trace("7", "a", "b", OutcomeSuccess, 0, epoch))
	all := tr.All()
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ID)
	assert.Equal(t, "7", all[3].ID)
}

func TestTracer_ConcurrentRecordNeverExceedsCapacity(t *testing.T) {
	tr := NewTracer(100, nil)
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.Record(trace("x", "a", "b", OutcomeSuccess, 0, time.Now()))
				assert.LessOrEqual(t, tr.Len(), 100)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, tr.Len())
}

func TestAggregator_EpicMetricsReplacedEachPass(t *testing.T) {
	now := epoch
	tr := NewTracer(100, func() time.Time { return now })
	agg := NewAggregator(tr, 5*time.Minute, 0, func() time.Time { return now })

	tr.Record(trace("1", "coordinator", "payments", OutcomeSuccess, 100*time.Millisecond, now))
	tr.Record(trace("2", "coordinator", "payments", OutcomeFailed, 300*time.Millisecond, now))
	tr.Record(trace("3", "payments", "notifications", OutcomeSuccess, 50*time.Millisecond, now))
	tr.Record(trace("4", "coordinator", "menus", OutcomeSuccess, time.Second, now.Add(-10*time.Minute)))

	got := agg.AggregateEpics()
	require.Len(t, got, 2)

	pay := got["payments"]
	assert.Equal(t, 2, pay.TotalTransactions)
	assert.Equal(t, 1, pay.SuccessfulTransactions)
	assert.Equal(t, 1, pay.FailedTransactions)
	assert.Equal(t, 200*time.Millisecond, pay.AverageResponseTime)
	assert.InDelta(t, 0.5, pay.ErrorRate, 1e-9)
	assert.Equal(t, now, pay.LastUpdate)

	_, ok := agg.Epic("menus")
	assert.False(t, ok, "traffic outside the window is ignored")

	now = now.Add(6 * time.Minute)
	agg.AggregateEpics()
	assert.Empty(t, agg.Epics())
}

func TestAggregator_Flows(t *testing.T) {
	tr := NewTracer(200, fixedNow(epoch))
	agg := NewAggregator(tr, 5*time.Minute, 0.95, fixedNow(epoch))

	assert.True(t, agg.AggregateFlows().Consistent, "empty window is consistent")

	for i := 0; i < 19; i++ {
		tr.Record(trace("s", "orders", "payments", OutcomeSuccess, 10*time.Millisecond, epoch))
	}
	tr.Record(trace("f", "payments", "notifications", OutcomeFailed, 20*time.Millisecond, epoch))

	r := agg.AggregateFlows()
	assert.Equal(t, 20, r.Total)
	assert.InDelta(t, 0.95, r.SuccessRatio, 1e-9)
	assert.True(t, r.Consistent)
	require.Len(t, r.Flows, 2)
	assert.Equal(t, FlowMetrics{
		Source: "orders", Target: "payments", Count: 19,
		TotalDuration: 190 * time.Millisecond, SuccessCount: 19,
	}, r.Flows[0])
	assert.Equal(t, 1, r.Flows[1].ErrorCount)

	tr.Record(trace("f2", "payments", "notifications", OutcomeFailed, 0, epoch))
	r = agg.AggregateFlows()
	assert.False(t, r.Consistent)
	assert.False(t, agg.Flows().Consistent)
}
