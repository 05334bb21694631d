// -----------------------------------------------------------------------
// Job API - submission, inspection and admin cancellation
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/gateway"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// JobHandler serves the job submission and inspection API.
type JobHandler struct {
	gateway *gateway.Gateway
	store   interfaces.StateStore
	logger  arbor.ILogger
}

// NewJobHandler creates the job API handler.
func NewJobHandler(gw *gateway.Gateway, store interfaces.StateStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		gateway: gw,
		store:   store,
		logger:  logger,
	}
}

// SubmitJobHandler handles POST /api/jobs/{job_type}. The request body is the
// parameter object; the response reports the derived job ID and whether the
// submission collapsed onto an existing job.
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	jobType := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	jobType = strings.Trim(jobType, "/")
	if jobType == "" || strings.Contains(jobType, "/") {
		WriteError(w, http.StatusBadRequest, "job type is required")
		return
	}

	var params map[string]interface{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}
	if params == nil {
		params = make(map[string]interface{})
	}

	result, err := h.gateway.Submit(r.Context(), jobType, params)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnknownJobType):
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type: %s", jobType))
		case errors.Is(err, interfaces.ErrBadParameters):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_type", jobType).Msg("Job submission failed")
			WriteError(w, http.StatusInternalServerError, "job submission failed")
		}
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// taskStageCounts is the per-stage task status breakdown returned with a job.
type taskStageCounts struct {
	Stage  int            `json:"stage"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

// GetJobHandler handles GET /api/jobs/{job_id}: the job record plus the shape
// of its task list as counts per status per stage.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	jobID = strings.Trim(jobID, "/")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		WriteError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}

	tasks, err := h.store.ListTasksForJob(r.Context(), jobID, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Task listing failed")
		WriteError(w, http.StatusInternalServerError, "task listing failed")
		return
	}

	byStage := make(map[int]*taskStageCounts)
	for _, task := range tasks {
		sc, ok := byStage[task.Stage]
		if !ok {
			sc = &taskStageCounts{Stage: task.Stage, Counts: make(map[string]int)}
			byStage[task.Stage] = sc
		}
		sc.Total++
		sc.Counts[string(task.Status)]++
	}
	stages := make([]*taskStageCounts, 0, len(byStage))
	for stage := 1; stage <= job.TotalStages; stage++ {
		if sc, ok := byStage[stage]; ok {
			stages = append(stages, sc)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":   job,
		"tasks": stages,
	})
}

// ListTasksHandler handles GET /api/jobs/{job_id}/tasks with optional stage
// and status query filters.
func (h *JobHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	filter := &interfaces.TaskFilter{}
	if stageStr := r.URL.Query().Get("stage"); stageStr != "" {
		if _, err := fmt.Sscanf(stageStr, "%d", &filter.Stage); err != nil {
			WriteError(w, http.StatusBadRequest, "stage must be an integer")
			return
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.TaskStatus(status)
	}

	tasks, err := h.store.ListTasksForJob(r.Context(), jobID, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Task listing failed")
		WriteError(w, http.StatusInternalServerError, "task listing failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// CancelJobHandler handles POST /api/jobs/{job_id}/cancel: the admin path
// that forces a job to failed. In-flight tasks finish normally but their
// stage advancement is refused once the job is terminal.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	details := models.NewErrorDetails(models.ErrorCategoryBusiness, "job cancelled by operator")
	details.Reason = "cancelled"

	if err := h.store.RecordJobFailure(r.Context(), jobID, details, nil); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		case errors.Is(err, interfaces.ErrInvalidTransition):
			WriteError(w, http.StatusConflict, "job is already terminal")
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job cancellation failed")
			WriteError(w, http.StatusInternalServerError, "job cancellation failed")
		}
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(models.JobStatusFailed),
	})
}
