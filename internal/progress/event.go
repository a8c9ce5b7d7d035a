// Package progress defines the event structures emitted while a run works through its sites.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageSiteStart Stage = "SITE_START"
	StageSiteStep  Stage = "SITE_STEP"
	StageSiteDone  Stage = "SITE_DONE"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site is the site identifier for SITE_* stages.
	Site string
	// Language is the profile the site runs with.
	Language crawler.Language
	// Status is the final site status on SITE_DONE.
	Status crawler.Status
	// Steps is the agent step count (step number on SITE_STEP).
	Steps int
	// InputTokens consumed by the agent.
	InputTokens int64
	// Dur is the site or run wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageSiteStart, StageSiteStep:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageSiteDone:
		if e.Site == "" {
			return errors.New("site done requires site")
		}
		if e.Status == "" {
			return errors.New("site done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ParseRunID encodes a textual run ID into the Event form.
func ParseRunID(runID string) ([16]byte, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id %q: %w", runID, err)
	}
	return UUIDToBytes(id), nil
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
