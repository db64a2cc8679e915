package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/ticketprint"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Handler struct {
	engine         *queue.Engine
	validate       *validator.Validate
	logger         *zap.Logger
	realtime       http.Handler
	ticketTemplate string
}

type Options struct {
	Logger *zap.Logger
	// Realtime is mounted under /realtime/ when set.
	Realtime       http.Handler
	TicketTemplate string
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine *queue.Engine, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:         engine,
		validate:       newValidator(),
		logger:         logger,
		realtime:       options.Realtime,
		ticketTemplate: options.TicketTemplate,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/entries", h.handleEntries)
	mux.HandleFunc("/api/entries/batch", h.handleBatch)
	mux.HandleFunc("/api/entries/", h.handleEntry)
	mux.HandleFunc("/api/dispatch/call-next", h.handleCallNext)
	mux.HandleFunc("/api/dispatch/complete-current", h.handleCompleteCurrent)
	mux.HandleFunc("/api/specialists/", h.handleSpecialist)
	mux.HandleFunc("/api/events", h.handleEvents)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issueTokenRequest struct {
	Scope          string `json:"scope"`
	SpecialistID   string `json:"specialist_id"`
	TargetDate     string `json:"target_date"`
	TTLHours       int    `json:"ttl_hours" validate:"min=1,max=720"`
	MaxRedemptions *int   `json:"max_redemptions" validate:"omitempty,min=1"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req issueTokenRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	token, err := h.engine.IssueToken(r.Context(), queue.IssueTokenInput{
		Scope:          strings.TrimSpace(req.Scope),
		SpecialistID:   strings.TrimSpace(req.SpecialistID),
		TargetDate:     strings.TrimSpace(req.TargetDate),
		TTLHours:       req.TTLHours,
		MaxRedemptions: req.MaxRedemptions,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tokens/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		token, err := h.engine.GetToken(r.Context(), parts[0])
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, token)
	case len(parts) == 2 && parts[1] == "redeem" && r.Method == http.MethodPost:
		scope, err := h.engine.RedeemToken(r.Context(), parts[0])
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, scope)
	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "redeem"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type serviceLineRequest struct {
	ServiceID string `json:"service_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"min=1,max=10000"`
	UnitPrice *int64 `json:"unit_price" validate:"omitempty,min=0,max=1000000000"`
}

type staffRequest struct {
	StaffID      string `json:"staff_id" validate:"required"`
	SpecialistID string `json:"specialist_id" validate:"required"`
	TargetDate   string `json:"target_date"`
	Source       string `json:"source" validate:"omitempty,queue_source"`
}

type joinRequest struct {
	TokenID        string               `json:"token_id"`
	Staff          *staffRequest        `json:"staff"`
	SpecialistID   string               `json:"specialist_id"`
	PatientRef     string               `json:"patient_ref" validate:"required,max=128"`
	ServiceLines   []serviceLineRequest `json:"service_lines" validate:"max=100,dive"`
	IdempotencyKey string               `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListEntries(w, r)
	case http.MethodPost:
		h.handleJoin(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	in := queue.JoinInput{
		TokenID:        strings.TrimSpace(req.TokenID),
		SpecialistID:   strings.TrimSpace(req.SpecialistID),
		PatientRef:     strings.TrimSpace(req.PatientRef),
		ServiceLines:   toServiceLines(req.ServiceLines),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	}
	if req.Staff != nil {
		in.Staff = &queue.StaffContext{
			StaffID:      strings.TrimSpace(req.Staff.StaffID),
			SpecialistID: strings.TrimSpace(req.Staff.SpecialistID),
			TargetDate:   strings.TrimSpace(req.Staff.TargetDate),
			Source:       req.Staff.Source,
		}
	}
	entry, err := h.engine.JoinQueue(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.EntryFilter{
		SpecialistID: strings.TrimSpace(query.Get("specialist_id")),
		TargetDate:   strings.TrimSpace(query.Get("target_date")),
		Status:       strings.TrimSpace(query.Get("status")),
	}
	if filter.SpecialistID == "" || filter.TargetDate == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "specialist_id and target_date are required")
		return
	}
	entries, err := h.engine.ListEntries(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type serviceRequest struct {
	SpecialistID string `json:"specialist_id" validate:"required"`
	ServiceID    string `json:"service_id" validate:"required,max=64"`
	Quantity     int    `json:"quantity" validate:"min=1,max=10000"`
	UnitPrice    *int64 `json:"unit_price" validate:"omitempty,min=0,max=1000000000"`
}

type batchRequest struct {
	PatientRef      string           `json:"patient_ref" validate:"required,max=128"`
	Source          string           `json:"source" validate:"required,queue_source"`
	TargetDate      string           `json:"target_date"`
	ServiceRequests []serviceRequest `json:"service_requests" validate:"required,min=1,max=100,dive"`
	IdempotencyKey  string           `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req batchRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	requests := make([]queue.ServiceRequest, 0, len(req.ServiceRequests))
	for _, item := range req.ServiceRequests {
		requests = append(requests, queue.ServiceRequest{
			SpecialistID: strings.TrimSpace(item.SpecialistID),
			ServiceID:    strings.TrimSpace(item.ServiceID),
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
		})
	}
	result, err := h.engine.CreateEntriesBatch(r.Context(), queue.BatchInput{
		PatientRef:      strings.TrimSpace(req.PatientRef),
		Source:          req.Source,
		TargetDate:      strings.TrimSpace(req.TargetDate),
		ServiceRequests: requests,
		IdempotencyKey:  idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/entries/")
	if len(parts) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entryID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		entry, err := h.engine.GetEntry(r.Context(), entryID)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		events, err := h.engine.ListEntryEvents(r.Context(), entryID)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case len(parts) == 2 && parts[1] == "ticket":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicket(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryAction(w, r, entryID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request, entryID string) {
	entry, err := h.engine.GetEntry(r.Context(), entryID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	specialist, err := h.engine.GetSpecialist(r.Context(), entry.SpecialistID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketprint.Build(entry, specialist, h.ticketTemplate))
}

type actionRequest struct {
	Reason         string `json:"reason" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

type updateRequest struct {
	PatientRef     *string               `json:"patient_ref" validate:"omitempty,min=1,max=128"`
	ServiceLines   *[]serviceLineRequest `json:"service_lines"`
	AggregatedIDs  []string              `json:"aggregated_ids" validate:"max=50,dive,required"`
	IdempotencyKey string                `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	if action == "update" {
		h.handleUpdate(w, r, entryID)
		return
	}

	var run func(r *http.Request, in queue.ActionInput) (models.QueueEntry, error)
	switch action {
	case "complete":
		run = func(r *http.Request, in queue.ActionInput) (models.QueueEntry, error) { return h.engine.Complete(r.Context(), in) }
	case "skip":
		run = func(r *http.Request, in queue.ActionInput) (models.QueueEntry, error) { return h.engine.Skip(r.Context(), in) }
	case "requeue":
		run = func(r *http.Request, in queue.ActionInput) (models.QueueEntry, error) { return h.engine.Requeue(r.Context(), in) }
	case "cancel":
		run = func(r *http.Request, in queue.ActionInput) (models.QueueEntry, error) { return h.engine.Cancel(r.Context(), in) }
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req actionRequest
	if !h.decodeOptionalRequest(w, r, &req) {
		return
	}
	entry, err := run(r, queue.ActionInput{
		EntryID:        entryID,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, entryID string) {
	var req updateRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	in := queue.UpdateInput{
		EntryID:        entryID,
		AggregatedIDs:  trimAll(req.AggregatedIDs),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	}
	if req.PatientRef != nil {
		ref := strings.TrimSpace(*req.PatientRef)
		in.PatientRef = &ref
	}
	if req.ServiceLines != nil {
		for i, line := range *req.ServiceLines {
			if err := h.validate.Struct(line); err != nil {
				writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", fmt.Sprintf("service_lines[%d]: %s", i, validationMessage(err)))
				return
			}
		}
		lines := toServiceLines(*req.ServiceLines)
		in.ServiceLines = &lines
	}
	entry, err := h.engine.UpdateEntry(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type callNextRequest struct {
	SpecialistID   string `json:"specialist_id" validate:"required"`
	TargetDate     string `json:"target_date" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req callNextRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.engine.CallNext(r.Context(), queue.CallNextInput{
		SpecialistID:   strings.TrimSpace(req.SpecialistID),
		TargetDate:     strings.TrimSpace(req.TargetDate),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type completeCurrentRequest struct {
	SpecialistID   string `json:"specialist_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

func (h *Handler) handleCompleteCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req completeCurrentRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.engine.CompleteCurrent(r.Context(), queue.CompleteCurrentInput{
		SpecialistID:   strings.TrimSpace(req.SpecialistID),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type specialistRequest struct {
	Department    string `json:"department" validate:"max=128"`
	DailyCapacity *int   `json:"daily_capacity" validate:"omitempty,min=0"`
}

func (h *Handler) handleSpecialist(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/specialists/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	specialistID := parts[0]

	switch r.Method {
	case http.MethodGet:
		specialist, err := h.engine.GetSpecialist(r.Context(), specialistID)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, specialist)
	case http.MethodPut:
		var req specialistRequest
		if !h.decodeRequest(w, r, &req) {
			return
		}
		specialist, err := h.engine.UpsertSpecialist(r.Context(), models.Specialist{
			SpecialistID:  specialistID,
			Department:    strings.TrimSpace(req.Department),
			DailyCapacity: req.DailyCapacity,
		})
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, specialist)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.engine.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return h.validateRequest(w, r, target)
}

// decodeOptionalRequest accepts an empty body.
func (h *Handler) decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return h.validateRequest(w, r, target)
}

func (h *Handler) validateRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
	}
	writeError(w, requestID(r), status, code, message)
}

func mapError(err error) (int, string, string) {
	kind := store.Kind(err)
	switch kind {
	case "invalid_request", "invalid_scope", "invalid_date":
		return http.StatusBadRequest, kind, err.Error()
	case "token_not_found", "entry_not_found", "specialist_not_found":
		return http.StatusNotFound, kind, err.Error()
	case "token_expired":
		return http.StatusGone, kind, err.Error()
	case "internal_error":
		return http.StatusInternalServerError, "internal_error", "internal server error"
	default:
		return http.StatusConflict, kind, err.Error()
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(bodyKey)
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func toServiceLines(in []serviceLineRequest) []models.ServiceLine {
	lines := make([]models.ServiceLine, 0, len(in))
	for _, line := range in {
		lines = append(lines, models.ServiceLine{
			ServiceID: strings.TrimSpace(line.ServiceID),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return lines
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.TrimSpace(value))
	}
	return out
}
