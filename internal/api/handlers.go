package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/smscast/internal/compliance"
	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/events"
	"github.com/ignite/smscast/internal/executor"
	"github.com/ignite/smscast/internal/retry"
	"github.com/ignite/smscast/internal/store"
	"github.com/ignite/smscast/internal/template"
)

// Handlers holds the dependencies for all API endpoints.
type Handlers struct {
	store    *store.Store
	manager  *executor.Manager
	retries  *retry.Queue
	gate     *compliance.Gate
	renderer *template.Renderer
	bus      *events.Bus
}

// NewHandlers wires the endpoint dependencies.
func NewHandlers(
	st *store.Store,
	manager *executor.Manager,
	retries *retry.Queue,
	gate *compliance.Gate,
	renderer *template.Renderer,
	bus *events.Bus,
) *Handlers {
	return &Handlers{
		store:    st,
		manager:  manager,
		retries:  retries,
		gate:     gate,
		renderer: renderer,
		bus:      bus,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createSessionRequest is the session creation payload.
type createSessionRequest struct {
	FileName     string             `json:"file_name"`
	CampaignName string             `json:"campaign_name"`
	Category     string             `json:"category"`
	Template     string             `json:"template"`
	SendSpeed    int                `json:"send_speed"`
	SIMSlot      int                `json:"sim_slot"`
	Timezone     string             `json:"timezone"`
	Recipients   []domain.Recipient `json:"recipients"`
}

// CreateSession persists a new session in status ready.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 {
		respondError(w, http.StatusBadRequest, "recipients are required")
		return
	}
	for i := range req.Recipients {
		req.Recipients[i].Index = i
	}

	sess := &domain.Session{
		ID:           uuid.New(),
		FileName:     req.FileName,
		CampaignName: req.CampaignName,
		Category:     domain.CampaignCategory(req.Category),
		Template:     req.Template,
		SendSpeed:    req.SendSpeed,
		SIMSlot:      req.SIMSlot,
		Timezone:     req.Timezone,
		Recipients:   req.Recipients,
		Status:       domain.SessionReady,
	}
	if err := sess.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SaveSession(r.Context(), sess); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// GetSession returns a session with its recipients.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.LoadSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// GetActiveSession returns the session currently sending or paused, if any.
func (h *Handlers) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.LoadActiveSession(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]interface{}{"session": nil})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// ClearSession deletes a session and everything attached to it.
func (h *Handlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if h.manager.Running(id) {
		respondError(w, http.StatusConflict, "session is running; stop it first")
		return
	}
	if err := h.store.ClearSession(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// StartSession begins sending immediately.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Start(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sending"})
}

// scheduleRequest carries the future fire time in epoch milliseconds.
type scheduleRequest struct {
	ScheduledAtMs int64 `json:"scheduled_at_ms"`
}

// ScheduleSession arms a session to fire at a future time.
func (h *Handlers) ScheduleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScheduledAtMs <= time.Now().UnixMilli() {
		respondError(w, http.StatusBadRequest, "scheduled_at_ms must be in the future")
		return
	}

	sess, err := h.store.LoadSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if sess.Status != domain.SessionReady && sess.Status != domain.SessionScheduled {
		respondError(w, http.StatusConflict, "only ready sessions can be scheduled")
		return
	}

	at := time.UnixMilli(req.ScheduledAtMs).UTC()
	sess.ScheduledAt = &at
	sess.Status = domain.SessionScheduled
	if err := h.store.SaveSession(r.Context(), sess); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "scheduled",
		"scheduled_at": req.ScheduledAtMs,
	})
}

// PauseSession suspends a running session at the next recipient boundary.
func (h *Handlers) PauseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Pause(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

// ResumeSession restarts a paused session from its checkpoint.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Resume(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sending"})
}

// StopSession terminates a session and purges its queued retries.
func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Stop(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// GetProgress returns the persisted progress counters for a session.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.LoadSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	pending, err := h.retries.Pending(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"progress":        domain.ProgressOf(sess),
		"status":          sess.Status,
		"pending_retries": pending,
	})
}

// ListOptOuts returns opt-out records, newest first.
func (h *Handlers) ListOptOuts(w http.ResponseWriter, r *http.Request) {
	optouts, err := h.store.ListOptOuts(r.Context(), 1000)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"optouts": optouts,
		"count":   len(optouts),
	})
}

type optOutRequest struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

// AddOptOut records a manual opt-out.
func (h *Handlers) AddOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phone, ok := h.gate.Normalize(req.Phone)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid phone number")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	if err := h.store.AddOptOut(r.Context(), phone, reason); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"phone": phone})
}

// RemoveOptOut deletes an opt-out record.
func (h *Handlers) RemoveOptOut(w http.ResponseWriter, r *http.Request) {
	phone, ok := h.gate.Normalize(chi.URLParam(r, "phone"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid phone number")
		return
	}
	if err := h.store.RemoveOptOut(r.Context(), phone); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no opt-out for that number")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type inboundRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// Inbound processes an incoming message (STOP keywords, HELP).
func (h *Handlers) Inbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := h.gate.HandleInbound(r.Context(), req.Phone, req.Text)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type templateRequest struct {
	Template  string            `json:"template"`
	Recipient *domain.Recipient `json:"recipient,omitempty"`
}

// ValidateTemplate parses a template and returns its variables.
func (h *Handlers) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vars, err := h.renderer.Validate(req.Template)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"variables": vars,
	})
}

// PreviewTemplate renders a template against a sample recipient.
func (h *Handlers) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rcpt := domain.Recipient{Name: "Jane Doe", Phone: "+254700000000", Amount: "1000"}
	if req.Recipient != nil {
		rcpt = *req.Recipient
	}
	// uuid.Nil scopes preview warnings away from real sessions.
	body, err := h.renderer.Render(uuid.Nil, req.Template, rcpt)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"preview": body})
}

// GetStats returns the latest delivery statistics snapshot.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	// The bus replays the latest snapshot per kind on subscribe.
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindStatistics && ev.Statistics != nil {
				respondJSON(w, http.StatusOK, ev.Statistics)
				return
			}
		default:
			respondJSON(w, http.StatusOK, domain.DeliveryStats{})
			return
		}
	}
}

// ClearExhausted removes exhausted messages across all sessions.
func (h *Handlers) ClearExhausted(w http.ResponseWriter, r *http.Request) {
	n, err := h.retries.ClearExhausted(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondDomainError(w http.ResponseWriter, err error) {
	switch domain.CodeOf(err) {
	case domain.CodeInvalidInput:
		respondError(w, http.StatusBadRequest, err.Error())
	case domain.CodeLeaseHeld:
		respondError(w, http.StatusConflict, err.Error())
	default:
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
