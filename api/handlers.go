/*
handlers.go - HTTP handlers of the operational API

PURPOSE:
  Lets an external scheduler or an operator trigger the billing batch jobs
  and inspect their effects. Member-facing CRUD lives elsewhere.

ENDPOINTS:
  Health:
    GET    /healthz                            Liveness probe

  Jobs:
    POST   /api/jobs/reconcile                 Reconcile all or ?association_id=
    POST   /api/jobs/reminders?scope=          Reminder run, scope due_soon|overdue
    POST   /api/reminders/send                 Remind for selected charges

  Associations:
    GET    /api/associations/{id}/charges      Charges after lazy reconciliation
    GET    /api/associations/{id}/lapsed       Memberships past max missed cycles
    GET    /api/associations/{id}/audit        Audit trail

  Outbox:
    GET    /api/outbox/stats                   Entries per delivery status

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"}:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Bind the server to an internal interface or put it
  behind a gateway that authenticates operators.
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// OutboxStats reports outbox entry counts. Implemented by outbox.Processor.
type OutboxStats interface {
	Stats(ctx context.Context) (map[billing.OutboxStatus]int64, error)
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reconciler *billing.Reconciler
	Reminders  *billing.ReminderScheduler
	Audit      billing.AuditLog
	Outbox     OutboxStats
	Logger     *zap.Logger

	// DB is checked by /healthz when set.
	DB Pinger
}

// NewHandler creates a new handler.
func NewHandler(
	reconciler *billing.Reconciler,
	reminders *billing.ReminderScheduler,
	audit billing.AuditLog,
	outbox OutboxStats,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Reconciler: reconciler,
		Reminders:  reminders,
		Audit:      audit,
		Outbox:     outbox,
		Logger:     logger.Named("api"),
	}
}

// Health reports liveness and database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// RunReconcile ensures current cycle charges and recomputes overdue flags.
// POST /api/jobs/reconcile?association_id=
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if assoc := r.URL.Query().Get("association_id"); assoc != "" {
		result, err := h.Reconciler.ReconcileAssociation(ctx, billing.AssociationID(assoc))
		if err != nil {
			h.writeServiceError(w, r, "Reconcile failed", err)
			return
		}
		writeJSON(w, http.StatusOK, ReconcileResponse{Results: []billing.ReconcileResult{result}})
		return
	}

	results, err := h.Reconciler.ReconcileAll(ctx)
	if err != nil {
		h.writeServiceError(w, r, "Reconcile failed", err)
		return
	}
	if results == nil {
		results = []billing.ReconcileResult{}
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Results: results})
}

// RunReminders sends due-soon or overdue reminders.
// POST /api/jobs/reminders?scope=due_soon|overdue&association_id=
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope := billing.ReminderScope(r.URL.Query().Get("scope"))
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid scope", billing.NewValidationError("scope", "Must be one of: due_soon overdue."))
		return
	}

	if assoc := r.URL.Query().Get("association_id"); assoc != "" {
		summary, err := h.Reminders.Run(ctx, billing.AssociationID(assoc), scope)
		if err != nil {
			h.writeServiceError(w, r, "Reminder run failed", err)
			return
		}
		writeJSON(w, http.StatusOK, ReminderRunResponse{Summaries: []billing.ReminderRunSummary{summary}})
		return
	}

	summaries, err := h.Reminders.RunAll(ctx, scope)
	if err != nil {
		h.writeServiceError(w, r, "Reminder run failed", err)
		return
	}
	if summaries == nil {
		summaries = []billing.ReminderRunSummary{}
	}
	writeJSON(w, http.StatusOK, ReminderRunResponse{Summaries: summaries})
}

// SendReminders reminds the members owing the selected charges.
// POST /api/reminders/send
func (h *Handler) SendReminders(w http.ResponseWriter, r *http.Request) {
	var req SendRemindersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.ChargeIDs) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body", billing.NewValidationError("charge_ids", "This field is required."))
		return
	}

	ids := make([]billing.ChargeID, len(req.ChargeIDs))
	for i, id := range req.ChargeIDs {
		ids[i] = billing.ChargeID(id)
	}

	summary, err := h.Reminders.SendSelected(r.Context(), ids)
	if err != nil {
		h.writeServiceError(w, r, "Reminder run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// ASSOCIATION HANDLERS
// =============================================================================

// ListCharges returns an association's charges after lazy reconciliation.
// GET /api/associations/{id}/charges?status=unpaid,partial&overdue=true&membership_id=
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.ChargeFilter{
		AssociationID: billing.AssociationID(chi.URLParam(r, "id")),
		MembershipID:  billing.MembershipID(q.Get("membership_id")),
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, billing.ChargeStatus(s))
	}
	for _, p := range splitList(q.Get("purpose")) {
		filter.Purposes = append(filter.Purposes, billing.ChargePurpose(p))
	}
	if v := q.Get("overdue"); v != "" {
		overdue, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid overdue flag", err)
			return
		}
		filter.OverdueOnly = overdue
	}

	charges, err := h.Reconciler.ChargesForAssociation(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list charges", err)
		return
	}

	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLapsed returns memberships that reached their missed-cycle limit.
// GET /api/associations/{id}/lapsed
func (h *Handler) ListLapsed(w http.ResponseWriter, r *http.Request) {
	lapsed, err := h.Reconciler.LapsedMemberships(r.Context(), billing.AssociationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list lapsed memberships", err)
		return
	}

	dtos := make([]LapsedMembershipDTO, len(lapsed))
	for i, l := range lapsed {
		dtos[i] = toLapsedDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit returns the audit trail of an association, newest first.
// GET /api/associations/{id}/audit?object_type=&object_id=&action=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.AuditFilter{
		AssociationID: billing.AssociationID(chi.URLParam(r, "id")),
		ObjectType:    q.Get("object_type"),
		ObjectID:      q.Get("object_id"),
		Actions:       splitList(q.Get("action")),
		Limit:         100,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	events, err := h.Audit.ListAuditEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list audit events", err)
		return
	}

	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OutboxStats returns outbox entry counts.
// GET /api/outbox/stats
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Outbox.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to read outbox stats", err)
		return
	}
	writeJSON(w, http.StatusOK, OutboxStatsDTO{
		Pending:    counts[billing.OutboxPending],
		Processing: counts[billing.OutboxProcessing],
		Sent:       counts[billing.OutboxSent],
		Failed:     counts[billing.OutboxFailed],
		Dead:       counts[billing.OutboxDead],
	})
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeServiceError maps billing errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case billing.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
