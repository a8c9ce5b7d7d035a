package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/checkout-crawler/internal/progress"
)

// PrometheusSink exports run and site lifecycle metrics.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  prometheus.Counter
	sitesStarted   prometheus.Counter
	sitesCompleted *prometheus.CounterVec
	sitesRunning   prometheus.Gauge
	siteRuntime    *prometheus.HistogramVec
	agentSteps     prometheus.Counter

	tracker *siteTracker
}

// NewPrometheusSink registers the collectors against reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_crawler_runs_started_total",
			Help: "Runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_crawler_runs_completed_total",
			Help: "Runs that have flushed their summary.",
		}),
		sitesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_crawler_sites_started_total",
			Help: "Site crawl tasks dispatched.",
		}),
		sitesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_crawler_sites_completed_total",
			Help: "Site crawl tasks finished, partitioned by status and language.",
		}, []string{"status", "language"}),
		sitesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_crawler_sites_running",
			Help: "Site crawl tasks currently running.",
		}),
		siteRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_crawler_site_runtime_seconds",
			Help:    "Wall time per finished site crawl task.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"status"}),
		agentSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_crawler_step_events_total",
			Help: "Agent step events observed while sites were running.",
		}),
		tracker: newSiteTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.sitesStarted,
		s.sitesCompleted,
		s.sitesRunning,
		s.siteRuntime,
		s.agentSteps,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.runsCompleted.Inc()
		case progress.StageSiteStart:
			s.sitesStarted.Inc()
			if s.tracker.start(evt.RunID, evt.Site) {
				s.sitesRunning.Inc()
			}
		case progress.StageSiteStep:
			s.agentSteps.Inc()
		case progress.StageSiteDone:
			s.sitesCompleted.WithLabelValues(string(evt.Status), string(evt.Language)).Inc()
			if evt.Dur > 0 {
				s.siteRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.RunID, evt.Site) {
				s.sitesRunning.Dec()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type siteKey struct {
	run  [16]byte
	site string
}

type siteTracker struct {
	mu      sync.Mutex
	running map[siteKey]struct{}
}

func newSiteTracker() *siteTracker {
	return &siteTracker{running: make(map[siteKey]struct{})}
}

func (t *siteTracker) start(run [16]byte, site string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := siteKey{run: run, site: site}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *siteTracker) complete(run [16]byte, site string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := siteKey{run: run, site: site}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
