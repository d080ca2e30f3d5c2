package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// PrometheusSink exports job lifecycle metrics: jobs queued and finished by
// result, running jobs, job wall time, stage latency by outcome, and scanned
// bytes.
type PrometheusSink struct {
	jobsQueued    prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	scanBytes     prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_jobs_queued_total",
			Help: "Analysis jobs accepted for background execution.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_jobs_finished_total",
			Help: "Analysis jobs that reached a terminal status, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_jobs_running",
			Help: "Analysis jobs currently executing a stage.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyzer_job_runtime_seconds",
			Help:    "Wall time from creation to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyzer_stage_duration_seconds",
			Help:    "Stage executor latency by stage and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		scanBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_scan_bytes_total",
			Help: "Bytes downloaded by the scan stage.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsQueued,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.stageDuration,
		s.scanBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindJobQueued:
		s.jobsQueued.Inc()
	case progress.KindStageStart:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindStageDone:
		s.observeStage(evt, "ok")
		if evt.Bytes > 0 {
			s.scanBytes.Add(float64(evt.Bytes))
		}
	case progress.KindJobDone:
		s.finish(evt, "completed")
	case progress.KindJobFailed:
		if evt.Stage != "" {
			outcome := "error"
			if evt.TimedOut {
				outcome = "timeout"
			}
			s.observeStage(evt, outcome)
		}
		s.finish(evt, "failed")
	}
}

func (s *PrometheusSink) observeStage(evt progress.Event, outcome string) {
	if evt.Stage == "" || evt.Dur <= 0 {
		return
	}
	s.stageDuration.WithLabelValues(string(evt.Stage), outcome).Observe(evt.Dur.Seconds())
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
