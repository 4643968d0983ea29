package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/phone"
	"github.com/lalithlochan/khidmat/internal/roster"
)

const (
	dateLayout       = "2006-01-02"
	defaultListLimit = 50
	maxListLimit     = 200
	defaultSlotRange = 30 * 24 * time.Hour
)

// Roster is the write side of the API. roster.Service implements it.
type Roster interface {
	Register(ctx context.Context, in roster.RegisterInput) (*db.Registrant, error)
	Assign(ctx context.Context, in roster.AssignInput) (*db.DutySlot, error)
	EditSlot(ctx context.Context, id uuid.UUID, in roster.EditInput) (*db.DutySlot, error)
	Unlock(ctx context.Context, id uuid.UUID, reason, by string) (*db.UnlockAudit, error)
	RequestChange(ctx context.Context, slotID uuid.UUID, in roster.ChangeInput) (*db.ChangeRequest, error)
	Approve(ctx context.Context, requestID uuid.UUID, by string) (*db.ChangeRequest, error)
	Reject(ctx context.Context, requestID uuid.UUID, by string) (*db.ChangeRequest, error)
}

// ReadStore backs the admin read views.
type ReadStore interface {
	ListSlots(ctx context.Context, from, to time.Time) ([]*db.DutySlot, error)
	ListReminders(ctx context.Context, status db.ReminderStatus, limit, offset int) ([]*db.Reminder, error)
	ListVoiceCalls(ctx context.Context, status db.VoiceCallStatus, limit, offset int) ([]*db.VoiceCall, error)
	ListChangeRequests(ctx context.Context, status db.RequestStatus, limit int) ([]*db.ChangeRequest, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RegistrationRequest is the body of POST /v1/registrations
type RegistrationRequest struct {
	ITSNumber   string   `json:"its_number" validate:"required,numeric,len=8"`
	FullName    string   `json:"full_name" validate:"required,max=200"`
	Email       string   `json:"email" validate:"required,email"`
	Phone       string   `json:"phone" validate:"required"`
	Preferences []string `json:"preferences" validate:"max=10,dive,required"`
}

// AssignRequest is the body of POST /v1/slots
type AssignRequest struct {
	DutyDate     string `json:"duty_date" validate:"required,datetime=2006-01-02"`
	DutyType     string `json:"duty_type" validate:"required,max=64"`
	RegistrantID string `json:"registrant_id" validate:"required,uuid"`
}

// EditSlotRequest is the body of PATCH /v1/slots/{id}
type EditSlotRequest struct {
	DutyDate *string `json:"duty_date" validate:"omitempty,datetime=2006-01-02"`
	DutyType *string `json:"duty_type" validate:"omitempty,min=1,max=64"`
}

// UnlockRequest is the body of POST /v1/slots/{id}/unlock
type UnlockRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ChangeRequestBody is the body of POST /v1/slots/{id}/requests
type ChangeRequestBody struct {
	Kind          string  `json:"kind" validate:"required,oneof=cancel reallocate cancellation reallocation"`
	Reason        string  `json:"reason" validate:"required,max=1000"`
	PreferredDate *string `json:"preferred_date" validate:"omitempty,datetime=2006-01-02"`
	PreferredType *string `json:"preferred_type" validate:"omitempty,max=64"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	roster   Roster
	reads    ReadStore
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, r Roster, reads ReadStore) *Handler {
	return &Handler{
		logger:   logger,
		roster:   r,
		reads:    reads,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// CreateRegistration handles POST /v1/registrations
func (h *Handler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if !h.decode(w, r, &req) {
		return
	}

	reg, err := h.roster.Register(r.Context(), roster.RegisterInput{
		ITSNumber:   req.ITSNumber,
		FullName:    req.FullName,
		Email:       req.Email,
		Phone:       req.Phone,
		Preferences: req.Preferences,
	})
	if err != nil {
		h.writeDomainError(w, r, "register", err)
		return
	}

	h.logger.Info("registrant created",
		zap.String("id", reg.ID.String()),
		zap.String("its_number", reg.ITSNumber),
	)
	writeJSON(w, http.StatusCreated, reg)
}

// AssignSlot handles POST /v1/slots
func (h *Handler) AssignSlot(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !h.decode(w, r, &req) {
		return
	}

	dutyDate, _ := time.Parse(dateLayout, req.DutyDate)
	registrantID, _ := uuid.Parse(req.RegistrantID)

	slot, err := h.roster.Assign(r.Context(), roster.AssignInput{
		DutyDate:     dutyDate,
		DutyType:     req.DutyType,
		RegistrantID: registrantID,
	})
	if err != nil {
		h.writeDomainError(w, r, "assign", err)
		return
	}

	h.logger.Info("slot assigned",
		zap.String("slot_id", slot.ID.String()),
		zap.String("registrant_id", registrantID.String()),
		zap.String("actor", Actor(r.Context())),
	)
	writeJSON(w, http.StatusCreated, slot)
}

// ListSlots handles GET /v1/slots?from=&to=
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	today := h.now().UTC().Truncate(24 * time.Hour)
	from, ok := parseDateParam(w, r, "from", today)
	if !ok {
		return
	}
	to, ok := parseDateParam(w, r, "to", from.Add(defaultSlotRange))
	if !ok {
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "to must not be before from")
		return
	}

	slots, err := h.reads.ListSlots(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, "list slots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(slots)})
}

// EditSlot handles PATCH /v1/slots/{id}
func (h *Handler) EditSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req EditSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	var in roster.EditInput
	if req.DutyDate != nil {
		d, _ := time.Parse(dateLayout, *req.DutyDate)
		in.DutyDate = &d
	}
	in.DutyType = req.DutyType

	slot, err := h.roster.EditSlot(r.Context(), id, in)
	if err != nil {
		h.writeDomainError(w, r, "edit slot", err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// UnlockSlot handles POST /v1/slots/{id}/unlock
func (h *Handler) UnlockSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req UnlockRequest
	if !h.decode(w, r, &req) {
		return
	}

	audit, err := h.roster.Unlock(r.Context(), id, req.Reason, Actor(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, "unlock slot", err)
		return
	}

	h.logger.Warn("slot unlocked",
		zap.String("slot_id", id.String()),
		zap.String("actor", audit.UnlockedBy),
		zap.String("reason", audit.Reason),
	)
	writeJSON(w, http.StatusOK, audit)
}

// CreateChangeRequest handles POST /v1/slots/{id}/requests
func (h *Handler) CreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req ChangeRequestBody
	if !h.decode(w, r, &req) {
		return
	}

	kind, err := db.ParseRequestKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "Unprocessable Entity", err.Error())
		return
	}
	in := roster.ChangeInput{
		Kind:          kind,
		Reason:        req.Reason,
		PreferredType: req.PreferredType,
	}
	if req.PreferredDate != nil {
		d, _ := time.Parse(dateLayout, *req.PreferredDate)
		in.PreferredDate = &d
	}

	cr, err := h.roster.RequestChange(r.Context(), id, in)
	if err != nil {
		h.writeDomainError(w, r, "request change", err)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

// ListChangeRequests handles GET /v1/requests?status=
func (h *Handler) ListChangeRequests(w http.ResponseWriter, r *http.Request) {
	status := db.RequestPending
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = db.RequestStatus(strings.ToLower(raw))
		switch status {
		case db.RequestPending, db.RequestApproved, db.RequestRejected:
		case "all":
			status = ""
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", fmt.Sprintf("unknown request status %q", raw))
			return
		}
	}
	limit, _, ok := parsePage(w, r)
	if !ok {
		return
	}

	requests, err := h.reads.ListChangeRequests(r.Context(), status, limit)
	if err != nil {
		h.writeDomainError(w, r, "list change requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(requests)})
}

// ApproveRequest handles POST /v1/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "approve", h.roster.Approve)
}

// RejectRequest handles POST /v1/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "reject", h.roster.Reject)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID, string) (*db.ChangeRequest, error)) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	cr, err := fn(r.Context(), id, Actor(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, op+" request", err)
		return
	}

	h.logger.Info("change request reviewed",
		zap.String("request_id", id.String()),
		zap.String("decision", string(cr.Status)),
		zap.String("actor", Actor(r.Context())),
	)
	writeJSON(w, http.StatusOK, cr)
}

// ListReminders handles GET /v1/reminders?status=
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	var status db.ReminderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := db.ParseReminderStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", err.Error())
			return
		}
		status = s
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	reminders, err := h.reads.ListReminders(r.Context(), status, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, "list reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   nonNil(reminders),
		"limit":  limit,
		"offset": offset,
	})
}

// ListVoiceCalls handles GET /v1/voice-calls?status=
func (h *Handler) ListVoiceCalls(w http.ResponseWriter, r *http.Request) {
	var status db.VoiceCallStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := db.ParseVoiceCallStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", err.Error())
			return
		}
		status = s
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	calls, err := h.reads.ListVoiceCalls(r.Context(), status, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, "list voice calls", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   nonNil(calls),
		"limit":  limit,
		"offset": offset,
	})
}

// decode reads and validates a JSON body. It writes the error response
// and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "Unprocessable Entity", validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// writeDomainError maps service errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, roster.ErrSlotLocked):
		writeError(w, http.StatusForbidden, "slot_locked", "Forbidden", err.Error())
	case errors.Is(err, roster.ErrInvalidInput), errors.Is(err, phone.ErrInvalidPhoneNumber):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "Unprocessable Entity", err.Error())
	case errors.Is(err, roster.ErrNotLocked),
		errors.Is(err, roster.ErrSlotAssigned),
		errors.Is(err, roster.ErrInvalidTransition),
		errors.Is(err, roster.ErrRequestClosed),
		errors.Is(err, db.ErrSlotTaken),
		errors.Is(err, db.ErrRequestPending),
		errors.Is(err, db.ErrDuplicateRegistrant):
		writeError(w, http.StatusConflict, "conflict", "Conflict", err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("op", op),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "invalid id format")
		return uuid.Nil, false
	}
	return id, true
}

func parseDateParam(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", name+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxListLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in problem+json format
func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
