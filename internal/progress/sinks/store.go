package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/progress"
	"github.com/JakeFAU/checkout-crawler/internal/store"
)

// StoreSink persists run lifecycle and per-status site counts through a
// store.RunRepository. Site outcomes are collapsed per batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type outcomeKey struct {
	runID  uuid.UUID
	status crawler.Status
}

type outcomeDelta struct {
	count int64
	at    time.Time
}

// Consume writes run starts first, then collapsed site outcomes, then run completions.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	outcomes := make(map[outcomeKey]*outcomeDelta)
	var done []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageSiteDone:
			key := outcomeKey{runID: runID, status: evt.Status}
			delta := outcomes[key]
			if delta == nil {
				delta = &outcomeDelta{}
				outcomes[key] = delta
			}
			delta.count++
			if evt.TS.After(delta.at) {
				delta.at = evt.TS
			}
		case progress.StageRunDone:
			done = append(done, evt)
		}
	}

	for key, delta := range outcomes {
		if err := s.repo.AddSiteOutcomes(ctx, key.runID, key.status, delta.count, delta.at); err != nil {
			return fmt.Errorf("add site outcomes: %w", err)
		}
	}
	for _, evt := range done {
		status := store.RunFinished
		var note *string
		if evt.Note != "" {
			status = store.RunInterrupted
			note = &evt.Note
		}
		if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
