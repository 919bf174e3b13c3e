package dataflow

import (
	"sort"
	"sync"
	"time"
)

// DefaultConsistencyRatio is the minimum success ratio for the flows to be
// considered consistent.
const DefaultConsistencyRatio = 0.95

// EpicMetrics summarises the recent traffic into one epic.
type EpicMetrics struct {
	Domain                 string        `json:"domain"`
	TotalTransactions      int           `json:"totalTransactions"`
	SuccessfulTransactions int           `json:"successfulTransactions"`
	FailedTransactions     int           `json:"failedTransactions"`
	AverageResponseTime    time.Duration `json:"averageResponseTime"`
	ErrorRate              float64       `json:"errorRate"`
	LastUpdate             time.Time     `json:"lastUpdate"`
}

// FlowMetrics summarises the traffic of one source to target pair.
type FlowMetrics struct {
	Source        string        `json:"source"`
	Target        string        `json:"target"`
	Count         int           `json:"count"`
	TotalDuration time.Duration `json:"totalDuration"`
	SuccessCount  int           `json:"successCount"`
	ErrorCount    int           `json:"errorCount"`
}

// FlowReport is the result of one flow aggregation pass.
type FlowReport struct {
	Flows        []FlowMetrics `json:"flows"`
	Total        int           `json:"total"`
	SuccessRatio float64       `json:"successRatio"`
	Consistent   bool          `json:"consistent"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Aggregator reduces the tracer's recent window into epic and flow metrics.
// Every pass rebuilds its result from scratch and swaps it in whole.
type Aggregator struct {
	tracer           *Tracer
	window           time.Duration
	consistencyRatio float64
	now              func() time.Time

	mu    sync.RWMutex
	epics map[string]EpicMetrics
	flows FlowReport
}

// NewAggregator reads traces no older than window from tracer.
func NewAggregator(tracer *Tracer, window time.Duration, consistencyRatio float64, now func() time.Time) *Aggregator {
	if consistencyRatio <= 0 {
		consistencyRatio = DefaultConsistencyRatio
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		tracer:           tracer,
		window:           window,
		consistencyRatio: consistencyRatio,
		now:              now,
		epics:            make(map[string]EpicMetrics),
		flows:            FlowReport{Consistent: true},
	}
}

// AggregateEpics recomputes per-epic metrics keyed by the target domain.
// Epics without traffic in the window drop out of the result.
func (a *Aggregator) AggregateEpics() map[string]EpicMetrics {
	traces := a.tracer.Recent(a.window)
	now := a.now()

	type acc struct {
		total, ok, failed int
		duration          time.Duration
	}
	sums := make(map[string]*acc)
	for _, tr := range traces {
		s, found := sums[tr.TargetDomain]
		if !found {
			s = &acc{}
			sums[tr.TargetDomain] = s
		}
		s.total++
		s.duration += tr.Duration
		if tr.Outcome == OutcomeSuccess {
			s.ok++
		} else {
			s.failed++
		}
	}

	next := make(map[string]EpicMetrics, len(sums))
	for domain, s := range sums {
		next[domain] = EpicMetrics{
			Domain:                 domain,
			TotalTransactions:      s.total,
			SuccessfulTransactions: s.ok,
			FailedTransactions:     s.failed,
			AverageResponseTime:    s.duration / time.Duration(s.total),
			ErrorRate:              float64(s.failed) / float64(s.total),
			LastUpdate:             now,
		}
	}

	a.mu.Lock()
	a.epics = next
	a.mu.Unlock()
	return copyEpics(next)
}

// AggregateFlows recomputes the per-pair flow metrics and the overall
// consistency verdict. An empty window is consistent.
func (a *Aggregator) AggregateFlows() FlowReport {
	traces := a.tracer.Recent(a.window)

	byPair := make(map[[2]string]*FlowMetrics)
	ok := 0
	for _, tr := range traces {
		key := [2]string{tr.SourceDomain, tr.TargetDomain}
		f, found := byPair[key]
		if !found {
			f = &FlowMetrics{Source: tr.SourceDomain, Target: tr.TargetDomain}
			byPair[key] = f
		}
		f.Count++
		f.TotalDuration += tr.Duration
		if tr.Outcome == OutcomeSuccess {
			f.SuccessCount++
			ok++
		} else {
			f.ErrorCount++
		}
	}

	flows := make([]FlowMetrics, 0, len(byPair))
	for _, f := range byPair {
		flows = append(flows, *f)
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Source != flows[j].Source {
			return flows[i].Source < flows[j].Source
		}
		return flows[i].Target < flows[j].Target
	})

	report := FlowReport{
		Flows:        flows,
		Total:        len(traces),
		SuccessRatio: 1,
		Consistent:   true,
		UpdatedAt:    a.now(),
	}
	if len(traces) > 0 {
		report.SuccessRatio = float64(ok) / float64(len(traces))
		report.Consistent = report.SuccessRatio >= a.consistencyRatio
	}

	a.mu.Lock()
	a.flows = report
	a.mu.Unlock()
	return report
}

// Epic returns the last computed metrics for domain.
func (a *Aggregator) Epic(domain string) (EpicMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.epics[domain]
	return m, ok
}

// Epics returns the last computed metrics ordered by domain.
func (a *Aggregator) Epics() []EpicMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]EpicMetrics, 0, len(a.epics))
	for _, m := range a.epics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Flows returns the last flow report.
func (a *Aggregator) Flows() FlowReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r := a.flows
	r.Flows = append([]FlowMetrics(nil), a.flows.Flows...)
	return r
}

func copyEpics(in map[string]EpicMetrics) map[string]EpicMetrics {
	out := make(map[string]EpicMetrics, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
