// Package handler exposes the edit and approval workflow over HTTP.
package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/editlock"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
	"github.com/ledgerly/be-om-lineedits/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	edits     *service.EditService
	approvals *service.ApprovalService
	checker   service.AvailabilityChecker
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(edits *service.EditService, approvals *service.ApprovalService, checker service.AvailabilityChecker, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		edits:     edits,
		approvals: approvals,
		checker:   checker,
		log:       log,
	}
}

// Routes mounts every endpoint on a fresh router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/line-items/{lineItemID}", func(r chi.Router) {
			r.Get("/can-edit", h.CanEdit)
			r.Patch("/", h.SubmitEdit)
			r.Post("/lock/renew", h.RenewLock)
			r.Delete("/lock", h.AbortEdit)
			r.Get("/history", h.History)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Get("/{recordID}", h.GetApproval)
			r.Post("/{recordID}/decide", h.DecideApproval)
		})
		r.Get("/inventory/{partID}/availability", h.CheckAvailability)
	})
	r.Get("/healthz", h.Healthz)

	return r
}

// ── Edit session endpoints ───────────────────────────────────────────────────

// CanEdit handles the read-only eligibility probe.
func (h *HTTPHandler) CanEdit(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, errors.InvalidInput("user_id", "user_id query parameter is required"))
		return
	}

	eligibility, err := h.edits.CanEdit(r.Context(), lineItemID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, eligibility)
}

type submitEditRequest struct {
	UserID    string          `json:"user_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
}

// SubmitEdit handles an edit proposal for a line item. Accepted edits
// return 200, deferred ones 202 with the pending approval record ID, and
// rejections 400 or 409 depending on the rejection class.
func (h *HTTPHandler) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")

	var req submitEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.UserID == "" {
		h.writeError(w, errors.InvalidInput("user_id", "user_id is required"))
		return
	}

	decision, err := h.edits.Submit(r.Context(), lineItemID, req.UserID, repository.EditProposal{
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Reference: req.Reference,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, decisionStatus(decision), decision)
}

// decisionStatus maps an admission verdict onto an HTTP status.
func decisionStatus(d service.Decision) int {
	switch d.Outcome {
	case service.OutcomeAccepted:
		return http.StatusOK
	case service.OutcomeDeferred:
		return http.StatusAccepted
	default:
		if d.RejectionKind == service.RejectFieldValidation {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	}
}

type lockRequest struct {
	UserID string `json:"user_id"`
}

// RenewLock extends the caller's active edit lock.
func (h *HTTPHandler) RenewLock(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.writeError(w, errors.InvalidInput("user_id", "user_id is required"))
		return
	}

	if err := h.edits.RenewLock(r.Context(), lineItemID, req.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

// AbortEdit releases the caller's edit lock without applying anything.
func (h *HTTPHandler) AbortEdit(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, errors.InvalidInput("user_id", "user_id query parameter is required"))
		return
	}

	if err := h.edits.AbortEdit(r.Context(), lineItemID, userID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History returns the audit trail for a line item.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")

	entries, err := h.edits.History(r.Context(), lineItemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"line_item_id": lineItemID,
		"entries":      entries,
	})
}

// ── Approval endpoints ───────────────────────────────────────────────────────

// ListApprovals returns approval records, optionally filtered by status and
// required level. Approver work queues ask for status=pending.
func (h *HTTPHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	var status *repository.ApprovalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := repository.ApprovalStatus(raw)
		switch s {
		case repository.ApprovalPending, repository.ApprovalApproved, repository.ApprovalRejected, repository.ApprovalExpired:
			status = &s
		default:
			h.writeError(w, errors.InvalidInput("status", "unknown approval status"))
			return
		}
	}

	var level *rules.ApprovalLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < int(rules.LevelLineManager) || n > int(rules.LevelFinance) {
			h.writeError(w, errors.InvalidInput("level", "level must be 1, 2 or 3"))
			return
		}
		l := rules.ApprovalLevel(n)
		level = &l
	}

	records, err := h.approvals.List(r.Context(), status, level)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   len(records),
	})
}

// GetApproval returns one approval record.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := h.approvals.Get(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type decideRequest struct {
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
}

// DecideApproval records an approve or reject decision on a pending record.
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.ApproverID == "" {
		h.writeError(w, errors.InvalidInput("approver_id", "approver_id is required"))
		return
	}

	var rec *repository.ApprovalRecord
	var err error
	switch req.Decision {
	case "approved":
		rec, err = h.approvals.Approve(r.Context(), recordID, req.ApproverID, req.Reason)
	case "rejected":
		rec, err = h.approvals.Reject(r.Context(), recordID, req.ApproverID, req.Reason)
	default:
		h.writeError(w, errors.InvalidInput("decision", `decision must be "approved" or "rejected"`))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ── Inventory endpoint ───────────────────────────────────────────────────────

// CheckAvailability answers whether stock can cover a quantity, without any
// edit side effects.
func (h *HTTPHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	partID := chi.URLParam(r, "partID")

	requested, err := decimal.NewFromString(r.URL.Query().Get("quantity"))
	if err != nil || !requested.IsPositive() {
		h.writeError(w, errors.InvalidInput("quantity", "quantity must be a positive number"))
		return
	}

	avail, err := h.checker.Check(r.Context(), partID, requested)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, avail)
}

// Healthz reports liveness.
func (h *HTTPHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response body")
	}
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	// Lock session errors are plain sentinels without a code.
	if stderrors.Is(err, editlock.ErrNotHolder) || stderrors.Is(err, editlock.ErrLockExpired) {
		code = errors.ErrCodeConflict
	}

	var status int
	switch code {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		h.log.Error().Err(err).Msg("unhandled error")
	}

	var resp errorResponse
	resp.Error.Code = string(code)
	resp.Error.Message = err.Error()

	h.writeJSON(w, status, resp)
}
