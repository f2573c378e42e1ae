package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/stream-relay/dispatch"
	"github.com/onnwee/stream-relay/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type jobsResponse struct {
	InUse int                `json:"in_use"`
	Limit int                `json:"limit"`
	Jobs  []dispatch.JobInfo `json:"jobs"`
}

// jobsSummary is the unauthenticated view: capacity and per-state counts only.
type jobsSummary struct {
	InUse  int            `json:"in_use"`
	Limit  int            `json:"limit"`
	States map[string]int `json:"states"`
}

// HandleJobs reports capacity and how many captures are in each state.
func (h *Handlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inUse, limit := h.deps.Jobs.Capacity()
	states := make(map[string]int)
	for _, j := range h.deps.Jobs.Active() {
		states[j.State]++
	}
	writeJSON(w, http.StatusOK, jobsSummary{InUse: inUse, Limit: limit, States: states})
}

// HandleAdminJobs lists captures in flight with their source and requester.
func (h *Handlers) HandleAdminJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inUse, limit := h.deps.Jobs.Capacity()
	writeJSON(w, http.StatusOK, jobsResponse{InUse: inUse, Limit: limit, Jobs: h.deps.Jobs.Active()})
}

// HandleAdminCaptures returns recorded capture history, newest first.
// Query: limit (default 50, max 500).
func (h *Handlers) HandleAdminCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.History == nil {
		http.Error(w, "capture history disabled", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list captures", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []dispatch.JobInfo{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleAdminCancel stops an in-flight capture, selected either by id or by
// chat_id and message_id of the originating message.
func (h *Handlers) HandleAdminCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	logger := telemetry.LoggerWithCorr(r.Context())

	var ok bool
	if id := q.Get("id"); id != "" {
		ok = h.deps.Jobs.CancelJob(id)
		logger.Info("admin cancel", slog.String("job_id", id), slog.Bool("found", ok))
	} else {
		chatID, err1 := strconv.ParseInt(q.Get("chat_id"), 10, 64)
		msgID, err2 := strconv.Atoi(q.Get("message_id"))
		if err1 != nil || err2 != nil {
			http.Error(w, "id or chat_id and message_id required", http.StatusBadRequest)
			return
		}
		ok = h.deps.Jobs.Cancel(dispatch.Key{ChatID: chatID, MessageID: msgID})
		logger.Info("admin cancel", slog.Int64("chat_id", chatID), slog.Int("message_id", msgID), slog.Bool("found", ok))
	}
	if !ok {
		http.Error(w, "no such capture in progress", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}
