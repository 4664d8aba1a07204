/*
handlers.go - HTTP API handlers for the delivery quota engine

PURPOSE:
  Exposes commit/update/delete of delivery records, quota queries, master
  data, and audit notifications over REST. Handlers parse and validate
  input, delegate to the engine, and translate engine errors to HTTP.

ENDPOINTS:
  Deliveries:
    POST   /api/deliveries              Commit a delivery record
    GET    /api/deliveries/{id}         Get a record
    PUT    /api/deliveries/{id}         Update a record (propagates to pair)
    DELETE /api/deliveries/{id}         Delete (cascades to pair)

  Projects and quotas:
    GET    /api/projects                List projects
    POST   /api/projects                Create/replace project
    GET    /api/projects/{id}           Get project
    GET    /api/projects/{id}/remaining Remaining for a scope
    GET    /api/projects/{id}/report    Ledger report for a scope
    PUT    /api/projects/{id}/clients/{clientID}/quota
    PUT    /api/projects/{id}/depots/{depotID}/quota

  Notifications:
    GET    /api/notifications           List audit notifications
    DELETE /api/notifications/{id}      Dismiss (deletable only)

ERROR MAPPING:
  400: malformed input, destination invariant violations
  404: unknown record/project
  409: soft overrun (confirmable; payload carries the excess),
       duplicate business key
  422: hard project-quota violation (never confirmable)
  500: store failures

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/meridian/cargo-engine/engine"
	"github.com/meridian/cargo-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *engine.Engine
	Store    *sqlite.Store
	Log      *logrus.Logger
	validate *validator.Validate
}

// NewHandler creates a handler around an engine and its store.
func NewHandler(eng *engine.Engine, store *sqlite.Store, log *logrus.Logger) *Handler {
	return &Handler{
		Engine:   eng,
		Store:    store,
		Log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// DELIVERY ENDPOINTS
// =============================================================================

// CommitDelivery commits a new delivery record.
// POST /api/deliveries
func (h *Handler) CommitDelivery(w http.ResponseWriter, r *http.Request) {
	var req CommitDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	candidate, err := req.toCandidate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delivery record", err)
		return
	}

	rec, err := h.Engine.CommitDelivery(r.Context(), candidate)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliveryDTO(rec))
}

// GetDelivery returns a single delivery record.
// GET /api/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.Store.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Delivery not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(rec))
}

// UpdateDelivery applies a partial update and propagates shared fields to
// the paired record.
// PUT /api/deliveries/{id}
func (h *Handler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	changes, err := req.toChanges()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid changes", err)
		return
	}

	rec, err := h.Engine.UpdateDelivery(r.Context(), id, changes)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(rec))
}

// DeleteDelivery removes a record, cascading to its pair.
// DELETE /api/deliveries/{id}
func (h *Handler) DeleteDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.Engine.DeleteDelivery(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResultDTO{
		PrimaryDeleted: result.PrimaryDeleted,
		PairedDeleted:  result.PairedDeleted,
	})
}

// =============================================================================
// PROJECT AND QUOTA ENDPOINTS
// =============================================================================

// ListProjects returns all projects.
// GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list projects", err)
		return
	}

	dtos := make([]ProjectDTO, len(projects))
	for i, p := range projects {
		dtos[i] = toProjectDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProject returns one project.
// GET /api/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "Project not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get project", err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectDTO(*p))
}

// SaveProject creates or replaces a project.
// POST /api/projects
func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	var req SaveProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	total, err := parseWeight("total_authorized", req.TotalAuthorized)
	if err != nil || total.IsNegative() {
		writeError(w, http.StatusBadRequest, "total_authorized must be a non-negative decimal", err)
		return
	}

	p := engine.Project{
		ID:              req.ID,
		Name:            req.Name,
		Ship:            req.Ship,
		Port:            req.Port,
		Product:         req.Product,
		TotalAuthorized: total,
		Active:          req.Active,
		Companies:       req.Companies,
	}
	if err := h.Store.SaveProject(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save project", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectDTO(p))
}

// SaveClientQuota sets a client's authorized quantity in a project.
// PUT /api/projects/{id}/clients/{clientID}/quota
func (h *Handler) SaveClientQuota(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	clientID := chi.URLParam(r, "clientID")

	authorized, ok := h.decodeQuota(w, r)
	if !ok {
		return
	}
	err := h.Store.SaveClientQuota(r.Context(), engine.ClientQuota{
		ClientID:   clientID,
		ProjectID:  projectID,
		Authorized: authorized,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save quota", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorized": authorized.String()})
}

// SaveDepotQuota sets a depot's authorized quantity in a project.
// PUT /api/projects/{id}/depots/{depotID}/quota
func (h *Handler) SaveDepotQuota(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	depotID := chi.URLParam(r, "depotID")

	authorized, ok := h.decodeQuota(w, r)
	if !ok {
		return
	}
	err := h.Store.SaveDepotQuota(r.Context(), engine.DepotQuota{
		DepotID:    depotID,
		ProjectID:  projectID,
		Authorized: authorized,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save quota", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorized": authorized.String()})
}

func (h *Handler) decodeQuota(w http.ResponseWriter, r *http.Request) (engine.Weight, bool) {
	var req SaveQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return engine.Weight{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return engine.Weight{}, false
	}
	authorized, err := parseWeight("authorized", req.Authorized)
	if err != nil || authorized.IsNegative() {
		writeError(w, http.StatusBadRequest, "authorized must be a non-negative decimal", err)
		return engine.Weight{}, false
	}
	return authorized, true
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

// Remaining returns the signed remaining quota for a scope.
// GET /api/projects/{id}/remaining?scope=client&scope_id=C1&from=2025-03-01&to=2025-03-31
func (h *Handler) Remaining(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	scope, rng, err := scopeAndRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	remaining, err := h.Engine.RemainingFor(r.Context(), scope, projectID, rng)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"remaining": remaining.String()})
}

// Report returns the ledger summary for a scope.
// GET /api/projects/{id}/report?scope=depot&scope_id=D1
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	scope, rng, err := scopeAndRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	report, err := h.Engine.LedgerReport(r.Context(), scope, projectID, rng)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// NOTIFICATION ENDPOINTS
// =============================================================================

// ListNotifications returns audit notifications, newest first.
// GET /api/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.Store.ListNotifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}

	dtos := make([]NotificationDTO, len(notifications))
	for i, n := range notifications {
		dtos[i] = NotificationDTO{
			ID:        n.ID,
			Level:     string(n.Level),
			Message:   n.Message,
			EntityRef: n.EntityRef,
			Deletable: n.Deletable,
			CreatedAt: n.CreatedAt.Format(timeLayout),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DismissNotification removes a deletable notification.
// DELETE /api/notifications/{id}
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.Store.DismissNotification(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrNotificationProtected):
		writeError(w, http.StatusForbidden, "Notification is not deletable", err)
	case errors.Is(err, engine.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "Notification not found", nil)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to dismiss notification", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05Z07:00"

// ErrorResponse is the JSON error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeEngineError maps engine errors to HTTP responses. Soft overruns get
// a structured payload so the client can show the excess and offer
// confirmation.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var soft *engine.SoftOverrunError
	if errors.As(err, &soft) {
		writeJSON(w, http.StatusConflict, SoftOverrunDTO{
			Error:           "soft_overrun",
			Scope:           soft.Scope.String(),
			Remaining:       soft.Remaining.String(),
			Requested:       soft.Requested.String(),
			Excess:          soft.Excess.String(),
			ConfirmRequired: true,
		})
		return
	}

	switch {
	case errors.Is(err, engine.ErrQuotaExceeded):
		writeError(w, http.StatusUnprocessableEntity, "Project quota exceeded", err)
	case errors.Is(err, engine.ErrDuplicateBusinessKey):
		writeError(w, http.StatusConflict, "Business key already in use", err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid delivery", err)
	default:
		h.Log.WithError(err).Error("delivery operation failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func scopeAndRange(r *http.Request) (engine.Scope, *engine.DateRange, error) {
	q := r.URL.Query()

	var scope engine.Scope
	switch q.Get("scope") {
	case "", "project":
		scope = engine.ProjectScope()
	case "client":
		if q.Get("scope_id") == "" {
			return scope, nil, errors.New("scope_id required for client scope")
		}
		scope = engine.ClientScope(q.Get("scope_id"))
	case "depot":
		if q.Get("scope_id") == "" {
			return scope, nil, errors.New("scope_id required for depot scope")
		}
		scope = engine.DepotScope(q.Get("scope_id"))
	default:
		return scope, nil, errors.New("scope must be project, client, or depot")
	}

	from := q.Get("from")
	to := q.Get("to")
	if from == "" && to == "" {
		return scope, nil, nil
	}
	if from == "" || to == "" {
		return scope, nil, errors.New("from and to must be given together")
	}
	rng, err := parseDateRange(from, to)
	if err != nil {
		return scope, nil, err
	}
	return scope, rng, nil
}

func toProjectDTO(p engine.Project) ProjectDTO {
	return ProjectDTO{
		ID:              p.ID,
		Name:            p.Name,
		Ship:            p.Ship,
		Port:            p.Port,
		Product:         p.Product,
		TotalAuthorized: p.TotalAuthorized.String(),
		Active:          p.Active,
		Companies:       p.Companies,
		CreatedAt:       p.CreatedAt.Format(timeLayout),
	}
}

func parseDateRange(from, to string) (*engine.DateRange, error) {
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("invalid from date (use YYYY-MM-DD): %w", err)
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, fmt.Errorf("invalid to date (use YYYY-MM-DD): %w", err)
	}
	if t.Before(f) {
		return nil, errors.New("to date is before from date")
	}
	return &engine.DateRange{From: f, To: t}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
