package handlers

import (
	"context"
	"net/http"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/scanrun"
	"github.com/anstrom/neondeck/internal/scheduler"
)

// RunController starts and reports scan runs.
type RunController interface {
	Trigger(ctx context.Context) (scanrun.TriggerResult, error)
	Status(ctx context.Context) (scanrun.State, error)
	ListRuns(ctx context.Context, limit int) ([]*db.ScanRun, error)
}

// ScheduleReporter reports the daily schedule.
type ScheduleReporter interface {
	Status() scheduler.Status
}

var (
	_ RunController    = (*scanrun.Coordinator)(nil)
	_ ScheduleReporter = (*scheduler.Scheduler)(nil)
)

// ScanHandler serves run triggering, run status and history.
type ScanHandler struct {
	runs     RunController
	schedule ScheduleReporter
	logger   *logging.Logger
}

// NewScanHandler creates a new scan handler. schedule may be nil when the
// scheduler is not running.
func NewScanHandler(runs RunController, schedule ScheduleReporter, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		runs:     runs,
		schedule: schedule,
		logger:   logger.WithComponent("api.scan"),
	}
}

// TriggerScan handles POST /api/scan/trigger. It returns as soon as the run
// is queued: 202 for a new run, 200 when one is already in progress.
func (h *ScanHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.runs.Trigger(r.Context())
	if err != nil {
		handleError(w, r, h.logger, "trigger scan", err)
		return
	}

	status := http.StatusAccepted
	if result.Status == scanrun.TriggerRunning {
		status = http.StatusOK
	}
	writeJSON(w, r, status, result)
}

// ScanStatus handles GET /api/scan/status.
func (h *ScanHandler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.runs.Status(r.Context())
	if err != nil {
		handleError(w, r, h.logger, "scan status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// ScanHistory handles GET /api/scan/history?limit=N, newest first.
func (h *ScanHandler) ScanHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", scanrun.DefaultListLimit)
	if err != nil {
		handleError(w, r, h.logger, "scan history", err)
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		handleError(w, r, h.logger, "scan history", err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// SchedulerStatus handles GET /api/scheduler/status.
func (h *ScanHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.schedule == nil {
		writeJSON(w, r, http.StatusOK, scheduler.Status{Enabled: false})
		return
	}
	writeJSON(w, r, http.StatusOK, h.schedule.Status())
}
