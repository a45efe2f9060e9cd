// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// OpMetric tracks counts, latencies and pending totals for a family of
// operations. It creates three metric sets:
//   - a CounterVec with the given name, label "result" plus any extra labels.
//     Start/End increments "result"="all"; Failed increments "result"="failed".
//   - a SummaryVec named name+"_latency"; End records the latency unless
//     Failed was called first.
//   - a GaugeVec named name+"_pending" reflecting operations in flight.
//
// Suggested usage:
//
//	op := m.Start("read")
//	defer op.End()
//	if err != core.NoError {
//		op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, append([]string{"result"}, labels...)),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring latency.
func (m *OpMetric) Start(values ...string) *Op {
	m.counters.WithLabelValues(append([]string{"all"}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return &Op{opm: m, values: values, start: time.Now()}
}

// Count returns how many operations finished with the given result.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var value dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String returns a one-line latency/failure summary for a status page.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	return out + fmt.Sprintf(" / %d failed", m.Count("failed", values...))
}

// SummaryString renders an observer's count and mean if it is a Summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return "?"
	}
	var value dto.Metric
	if sum.Write(&value) != nil || *value.Summary.SampleCount == 0 {
		return "no data"
	}
	mean := *value.Summary.SampleSum / float64(*value.Summary.SampleCount)
	return fmt.Sprintf("%d ops / %.3fms mean", *value.Summary.SampleCount, mean*1000)
}

// Op is one in-flight operation started from an OpMetric.
type Op struct {
	opm    *OpMetric
	values []string
	start  time.Time
	failed bool
}

// Failed marks the operation failed; its latency will not be recorded.
func (o *Op) Failed() {
	if !o.failed {
		o.failed = true
		o.opm.counters.WithLabelValues(append([]string{"failed"}, o.values...)...).Inc()
	}
}

// End finishes the operation.
func (o *Op) End() {
	o.opm.pending.WithLabelValues(o.values...).Dec()
	if !o.failed {
		o.opm.latencies.WithLabelValues(o.values...).Observe(time.Since(o.start).Seconds())
	}
}
