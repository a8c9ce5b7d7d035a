package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageSiteStart, Site: "a.example"},
		{RunID: runID, TS: now, Stage: progress.StageSiteStart, Site: "b.example"},
		{RunID: runID, TS: now, Stage: progress.StageSiteStep, Site: "a.example", Steps: 1},
		{
			RunID:    runID,
			TS:       now.Add(time.Minute),
			Stage:    progress.StageSiteDone,
			Site:     "a.example",
			Language: crawler.LanguageFrench,
			Status:   crawler.StatusCompleted,
			Dur:      time.Minute,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sitesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sitesRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.agentSteps))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sitesCompleted.WithLabelValues("completed", "french")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.siteRuntime, "checkout_crawler_site_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSiteDone, Site: "a.example", Status: crawler.StatusCompleted},
		{RunID: runID, TS: now, Stage: progress.StageRunDone},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sitesRunning), "a site is only counted down once")
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
