// Package api exposes the operator HTTP surface: queue inspection, manual
// enqueue/reset/stop, slot and ticket introspection, and on-demand dispatch
// and reconcile passes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/realport/feedsync/internal/core"
	"github.com/realport/feedsync/internal/dispatch"
	"github.com/realport/feedsync/internal/reconcile"
)

// Store is the durable-store surface the handlers read and seed.
type Store interface {
	Get(ctx context.Context, integrationID int64) (*core.QueueEntry, error)
	List(ctx context.Context, status core.Status, limit int) ([]core.QueueEntry, error)
	EnsurePending(ctx context.Context, integrationID int64, priority core.Priority) (*core.QueueEntry, error)
	StatusCounts(ctx context.Context) (map[core.Status]int, error)
}

// StatusService applies operator-triggered transitions.
type StatusService interface {
	ResetToPending(ctx context.Context, id int64, reason string) error
	Stop(ctx context.Context, id int64, message, step string) (bool, error)
}

// Slots reports the concurrency slot set.
type Slots interface {
	Stats(ctx context.Context) (core.SlotStats, error)
}

// SlotCleaner releases slots whose holders are no longer processing.
type SlotCleaner interface {
	CleanupExpired(ctx context.Context) ([]int64, error)
}

// Heartbeats reads worker liveness records.
type Heartbeats interface {
	Get(ctx context.Context, id int64) (core.Heartbeat, bool, error)
	All(ctx context.Context) ([]core.Heartbeat, error)
}

// QueueReader inspects one tier queue.
type QueueReader interface {
	Queue() string
	Depth(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]core.Ticket, error)
}

// DispatchRunner runs one dispatch pass on demand.
type DispatchRunner interface {
	Run(ctx context.Context) (dispatch.Report, error)
}

// ReconcileRunner runs one reconcile pass on demand.
type ReconcileRunner interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Handler serves the operator API.
type Handler struct {
	store      Store
	status     StatusService
	slots      Slots
	cleaner    SlotCleaner
	beats      Heartbeats
	queues     []QueueReader
	dispatcher DispatchRunner
	reconciler ReconcileRunner
}

// NewHandler wires the operator API to its services.
func NewHandler(st Store, status StatusService, slots Slots, cleaner SlotCleaner, beats Heartbeats, queues []QueueReader, d DispatchRunner, r ReconcileRunner) *Handler {
	return &Handler{
		store:      st,
		status:     status,
		slots:      slots,
		cleaner:    cleaner,
		beats:      beats,
		queues:     queues,
		dispatcher: d,
		reconciler: r,
	}
}

// Routes returns the operator API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/queue", h.listQueue)
	r.Get("/queue/{id}", h.getEntry)
	r.Post("/queue/{id}/enqueue", h.enqueue)
	r.Post("/queue/{id}/reset", h.reset)
	r.Post("/queue/{id}/stop", h.stop)
	r.Get("/slots", h.getSlots)
	r.Post("/slots/cleanup", h.cleanupSlots)
	r.Get("/heartbeats", h.listHeartbeats)
	r.Get("/tickets", h.listTickets)
	r.Get("/stats", h.getStats)
	r.Post("/dispatch", h.runDispatch)
	r.Post("/reconcile", h.runReconcile)
	return r
}

// entryView is the JSON shape of a durable queue entry.
type entryView struct {
	IntegrationID int64   `json:"integration_id"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	StartedAt     *string `json:"started_at,omitempty"`
	EndedAt       *string `json:"ended_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	Attempts      int     `json:"attempts"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ErrorDetails  string  `json:"error_details,omitempty"`
	LastErrorStep string  `json:"last_error_step,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func viewOf(e core.QueueEntry) entryView {
	v := entryView{
		IntegrationID: e.IntegrationID,
		Status:        e.Status.Label(),
		Priority:      e.Priority.Label(),
		ExecutionTime: e.ExecutionTime,
		Attempts:      e.Attempts,
		ErrorMessage:  e.ErrorMessage,
		ErrorDetails:  e.ErrorDetails,
		LastErrorStep: e.LastErrorStep,
		CreatedAt:     core.FormatTime(e.CreatedAt),
		UpdatedAt:     core.FormatTime(e.UpdatedAt),
	}
	fmtOpt := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := core.FormatTime(*t)
		return &s
	}
	v.StartedAt = fmtOpt(e.StartedAt)
	v.EndedAt = fmtOpt(e.EndedAt)
	v.CompletedAt = fmtOpt(e.CompletedAt)
	return v
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	status, err := core.ParseStatus(queryDefault(r, "status", core.StatusPending.Label()))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_status", err.Error(), nil)
		return
	}
	limit := queryInt(r, "limit", 100)

	entries, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = viewOf(e)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteCoreError(w, core.NewNotFoundError("integration", id))
		return
	}
	resp := map[string]any{"entry": viewOf(*entry)}
	if beat, found, err := h.beats.Get(r.Context(), id); err == nil && found {
		resp["heartbeat"] = beat
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Priority string `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	priority := core.PriorityNormal
	if body.Priority != "" {
		p, err := core.ParsePriority(body.Priority)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_priority", err.Error(), nil)
			return
		}
		priority = p
	}

	entry, err := h.store.EnsurePending(r.Context(), id, priority)
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"entry": viewOf(*entry)})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual reset"
	}

	if err := h.status.ResetToPending(r.Context(), id, body.Reason); err != nil {
		WriteCoreError(w, err)
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entry": viewOf(*entry)})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	applied, err := h.status.Stop(r.Context(), id, "stopped by operator", "api")
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	if !applied {
		WriteError(w, http.StatusConflict, core.ErrCodeConflict,
			"integration is not in process", map[string]any{"integration_id": id})
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entry": viewOf(*entry)})
}

func (h *Handler) getSlots(w http.ResponseWriter, r *http.Request) {
	stats, err := h.slots.Stats(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) cleanupSlots(w http.ResponseWriter, r *http.Request) {
	released, err := h.cleaner.CleanupExpired(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	if released == nil {
		released = []int64{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (h *Handler) listHeartbeats(w http.ResponseWriter, r *http.Request) {
	beats, err := h.beats.All(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"heartbeats": beats})
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	type queueView struct {
		Queue   string        `json:"queue"`
		Depth   int           `json:"depth"`
		Tickets []core.Ticket `json:"tickets"`
	}
	views := make([]queueView, 0, len(h.queues))
	for _, q := range h.queues {
		depth, err := q.Depth(r.Context())
		if err != nil {
			WriteCoreError(w, err)
			return
		}
		tickets, err := q.Pending(r.Context())
		if err != nil {
			WriteCoreError(w, err)
			return
		}
		if tickets == nil {
			tickets = []core.Ticket{}
		}
		views = append(views, queueView{Queue: q.Queue(), Depth: depth, Tickets: tickets})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": views})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	byLabel := make(map[string]int, len(counts))
	for _, st := range core.AllStatuses() {
		byLabel[st.Label()] = counts[st]
	}
	WriteJSON(w, http.StatusOK, map[string]any{"statuses": byLabel})
}

func (h *Handler) runDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.Run(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) runReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid_id", "integration id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryDefault(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
