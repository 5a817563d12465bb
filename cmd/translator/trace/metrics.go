package trace

import (
	"math"
	"sort"
	"time"
)

type Percentiles struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// LatencyMetrics is the SLO view over one latency series: percentiles over
// the recent window plus violations against the configured target.
type LatencyMetrics struct {
	Percentiles
	TargetMs       float64 `json:"target_ms"`
	Violations     int     `json:"violations"`
	ComplianceRate float64 `json:"compliance_rate"`
}

type Summary struct {
	TTFT      LatencyMetrics `json:"ttft"`
	Caption   LatencyMetrics `json:"caption"`
	Total     Percentiles    `json:"total"`
	Active    int            `json:"active_traces"`
	Completed int            `json:"completed_traces"`
}

// TTFT returns the time from trace start to the start of the earliest
// tts_first_sample span, i.e. the first translated audio leaving the worker.
// The second return is false when the trace never produced audio.
func (tr *Trace) TTFT() (time.Duration, bool) {
	var earliest time.Time
	for _, s := range tr.Spans {
		if s.Name != SpanTTSFirstSample {
			continue
		}
		if earliest.IsZero() || s.Start.Before(earliest) {
			earliest = s.Start
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(tr.Start), true
}

// CaptionLatency returns the duration of the stt_first_token span, i.e. the
// time from chunk ingress to the first hypothesis text being available.
func (tr *Trace) CaptionLatency() (time.Duration, bool) {
	for _, s := range tr.Spans {
		if s.Name == SpanSTTFirstToken {
			return s.Duration, true
		}
	}
	return 0, false
}

// MetricsSummary computes percentiles over the most recent completed traces.
// Traces missing a measurement are excluded from that series rather than
// counted as zero.
func (t *Tracer) MetricsSummary() Summary {
	t.mut.Lock()
	defer t.mut.Unlock()

	recent := t.recent(metricsWindow)

	var ttfts, captions, totals []float64
	for _, tr := range recent {
		if d, ok := tr.TTFT(); ok {
			ttfts = append(ttfts, float64(d.Milliseconds()))
		}
		if d, ok := tr.CaptionLatency(); ok {
			captions = append(captions, float64(d.Milliseconds()))
		}
		totals = append(totals, float64(tr.Total().Milliseconds()))
	}

	return Summary{
		TTFT:      latencyMetrics(ttfts, t.ttftTarget),
		Caption:   latencyMetrics(captions, t.captionTarget),
		Total:     percentiles(totals),
		Active:    len(t.active),
		Completed: len(t.completed),
	}
}

func latencyMetrics(values []float64, target time.Duration) LatencyMetrics {
	m := LatencyMetrics{
		Percentiles: percentiles(values),
		TargetMs:    float64(target.Milliseconds()),
	}

	for _, v := range values {
		if v > m.TargetMs {
			m.Violations++
		}
	}
	if len(values) > 0 {
		m.ComplianceRate = 1 - float64(m.Violations)/float64(len(values))
	}

	return m
}

func percentiles(values []float64) Percentiles {
	p := Percentiles{Count: len(values)}
	if len(values) == 0 {
		return p
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	p.P50 = percentile(sorted, 0.50)
	p.P95 = percentile(sorted, 0.95)
	p.P99 = percentile(sorted, 0.99)

	return p
}

// percentile picks by nearest rank from an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
