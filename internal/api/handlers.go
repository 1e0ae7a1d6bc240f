package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/cache"
	"github.com/LeventeLantos/group-messaging/internal/connection"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/reprocess"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/LeventeLantos/group-messaging/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

type MessageStore interface {
	Ping(ctx context.Context) error
	ListSent(ctx context.Context, limit, offset int) ([]model.Message, error)
	Stop(ctx context.Context, id int64) (bool, error)
}

type JobQueue interface {
	Ping(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	Push(ctx context.Context, job model.DeliveryJob, end queue.End) error
}

type Connection interface {
	State() connection.State
	IsReady() bool
	RetryCount() int
	Pairing() (qr string, paired bool)
	Reconnect(ctx context.Context) error
	Logout(ctx context.Context) error
	ResetSession(ctx context.Context) error
}

type Reprocessor interface {
	StartOnDemand(ctx context.Context, f reprocess.Filter) (int, error)
	Running() bool
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Messages  MessageStore
	Queue     JobQueue
	Conn      Connection
	Reprocess Reprocessor
	Receipts  cache.ReceiptCache

	// BaseCtx outlives requests; background work started over HTTP runs on it.
	BaseCtx context.Context
}

type Handler struct {
	Deps
	started time.Time
}

func NewHandler(d Deps) *Handler {
	if d.BaseCtx == nil {
		d.BaseCtx = context.Background()
	}
	return &Handler{Deps: d, started: time.Now()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ok := true
	probe := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			ok = false
			return
		}
		checks[name] = "ok"
	}
	probe("redis", h.Queue.Ping(ctx))
	probe("database", h.Messages.Ping(ctx))
	if h.Conn.IsReady() {
		checks["connection"] = "ok"
	} else {
		checks["connection"] = string(h.Conn.State())
		ok = false
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":      ok,
		"checks":  checks,
		"retries": h.Conn.RetryCount(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"running":  h.Scheduler.IsRunning(),
		"interval": h.Scheduler.Interval().String(),
	}
	if last := h.Scheduler.LastTick(); !last.IsZero() {
		body["lastTick"] = last
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start(h.BaseCtx)
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.Messages.ListSent(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) StopMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	stopped, err := h.Messages.Stop(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !stopped {
		http.Error(w, repo.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.Stopped})
}

func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rc, err := h.Receipts.Get(r.Context(), id)
	if errors.Is(err, cache.ErrNoReceipt) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var job model.DeliveryJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := job.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err})
		return
	}
	if job.AttemptID == "" {
		job.AttemptID = uuid.NewString()
	}
	if err := h.Queue.Push(r.Context(), job, queue.Back); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	depth, _ := h.Queue.Len(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"attemptId": job.AttemptID, "queued": depth})
}

type reprocessRequest struct {
	ErrorContains   string `json:"errorContains"`
	LookbackMinutes int    `json:"lookbackMinutes"`
	Limit           int    `json:"limit"`
	PaceSeconds     *int   `json:"paceSeconds"`
}

func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	f := reprocess.Filter{
		ErrorContains: req.ErrorContains,
		Lookback:      time.Duration(req.LookbackMinutes) * time.Minute,
		Limit:         req.Limit,
	}
	if req.PaceSeconds != nil {
		pace := time.Duration(*req.PaceSeconds) * time.Second
		f.Pace = &pace
	}

	found, err := h.Deps.Reprocess.StartOnDemand(h.BaseCtx, f)
	if errors.Is(err, reprocess.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"found": found, "running": true})
}

func (h *Handler) Pairing(w http.ResponseWriter, r *http.Request) {
	qr, paired := h.Conn.Pairing()
	writeJSON(w, http.StatusOK, map[string]any{
		"paired": paired,
		"qr":     qr,
		"state":  h.Conn.State(),
	})
}

// Reconnect forces a new session with the stored credentials. A failed
// dial is still answered 202: the manager keeps retrying on its own.
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.reconnectWith(w, r, h.Conn.Reconnect)
}

// ResetSession drops stored credentials and starts pairing from scratch.
// It is the way out of a logged-out session.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	h.reconnectWith(w, r, h.Conn.ResetSession)
}

func (h *Handler) reconnectWith(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	err := fn(r.Context())
	switch {
	case errors.Is(err, connection.ErrLoggedOut):
		http.Error(w, err.Error()+"; reset the session to pair again", http.StatusConflict)
		return
	case errors.Is(err, connection.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	body := map[string]any{"state": h.Conn.State()}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

// Logout ends the session on the network and clears stored credentials.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Conn.Logout(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.Conn.State(), "loggedOut": true})
}

func (h *Handler) PairingQR(w http.ResponseWriter, r *http.Request) {
	qr, paired := h.Conn.Pairing()
	if paired || qr == "" {
		http.Error(w, "no pairing code available", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(qr, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
