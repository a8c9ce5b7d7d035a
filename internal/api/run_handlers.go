package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/dispatcher"
	"github.com/JakeFAU/checkout-crawler/internal/store"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
	repoTimeout         = 3 * time.Second
)

// RunView exposes the live state of the run. dispatcher.Orchestrator satisfies it.
type RunView interface {
	Snapshot() dispatcher.Snapshot
}

// RunHandler serves run progress, live and persisted.
type RunHandler struct {
	live    RunView
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the live view, the repository and logger. Either source may be nil.
func NewRunHandler(live RunView, repo store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		live:    live,
		repo:    repo,
		timeout: repoTimeout,
		logger:  logger,
	}
}

// CurrentRun handles GET /v1/run?status=&limit=&offset=. Results are the
// finished sites in completion order, optionally filtered by status.
func (h *RunHandler) CurrentRun(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in this process")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter crawler.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		filter, err = parseSiteStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	snap := h.live.Snapshot()
	results := make([]crawler.SiteCrawlResult, 0, len(snap.Results))
	for _, res := range snap.Results {
		if filter == "" || res.Status == filter {
			results = append(results, res)
		}
	}
	total := len(results)
	if offset > len(results) {
		offset = len(results)
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	snap.Results = results
	writeJSON(w, http.StatusOK, map[string]any{
		"run":     snap,
		"matched": total,
	})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on success,
// 400 for malformed IDs, 404 when the repository reports store.ErrNotFound,
// 503 if no repository is configured, or 500 otherwise.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseSiteStatus(input string) (crawler.Status, error) {
	for _, s := range []crawler.Status{
		crawler.StatusCompleted,
		crawler.StatusTimedOut,
		crawler.StatusAgentError,
		crawler.StatusNavigationError,
		crawler.StatusConfigError,
		crawler.StatusCaptureError,
	} {
		if strings.EqualFold(input, string(s)) {
			return s, nil
		}
	}
	return "", errors.New("invalid status")
}

func toRunDTO(run store.Run) runDTO {
	dto := runDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Note:       run.Note,
		Sites:      make(map[string]int64, len(run.Sites)),
	}
	for status, n := range run.Sites {
		dto.Sites[string(status)] = n
		dto.Finished += n
	}
	return dto
}

type runDTO struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Status     string           `json:"status"`
	Note       *string          `json:"note,omitempty"`
	Finished   int64            `json:"finished"`
	Sites      map[string]int64 `json:"sites"`
}
