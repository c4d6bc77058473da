// Package metrics exports run activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

// Collector is a graph.Observer that counts transitions and times
// executions.
type Collector struct {
	transitions  *prometheus.CounterVec
	executions   *prometheus.HistogramVec
	executing    *prometheus.GaugeVec
	streamChunks *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

var _ graph.Observer = (*Collector)(nil)

// NewCollector registers the canvasflow metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow",
			Name:      "transitions_total",
			Help:      "Status transitions of graph objects.",
		}, []string{"kind", "status"}),
		executions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvasflow",
			Name:      "node_execution_seconds",
			Help:      "Time nodes spent executing, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind", "status"}),
		executing: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "canvasflow",
			Name:      "executing",
			Help:      "Objects currently executing.",
		}, []string{"kind"}),
		streamChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow",
			Name:      "stream_chunks_total",
			Help:      "Streamed model output chunks, by node.",
		}, []string{"node"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canvasflow",
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to quiescence.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}),
	}
}

// ObjectChanged implements graph.Observer.
func (c *Collector) ObjectChanged(ev graph.Event) {
	kind := ev.Kind.Short()
	c.transitions.WithLabelValues(kind, ev.Status.String()).Inc()
	if ev.Status == graph.Executing {
		c.executing.WithLabelValues(kind).Inc()
	}
	if ev.From == graph.Executing {
		c.executing.WithLabelValues(kind).Dec()
		if ev.Kind.IsNode() && ev.Status.Terminal() {
			c.executions.WithLabelValues(kind, ev.Status.String()).Observe(ev.Elapsed.Seconds())
		}
	}
}

// NodeOutput implements graph.Observer.
func (c *Collector) NodeOutput(nodeID, _ string) {
	c.streamChunks.WithLabelValues(nodeID).Inc()
}

// RecordRun counts a finished run as ok, failed or stopped.
func (c *Collector) RecordRun(g *graph.Graph, res *graph.Result) {
	outcome := "ok"
	switch {
	case res.Stopped:
		outcome = "stopped"
	case res.Err(g) != nil:
		outcome = "failed"
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(res.Duration.Seconds())
}
