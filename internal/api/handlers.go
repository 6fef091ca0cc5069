package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/steward/internal/approval"
	"github.com/davidahmann/steward/internal/auth"
	"github.com/davidahmann/steward/internal/governance"
	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/pkg/types"
)

type Handler struct {
	Auth   auth.Authenticator
	Engine *governance.Engine
}

type ResolveRequest struct {
	Outcome           types.ApprovalStatus `json:"outcome"`
	ModifiedArguments map[string]any       `json:"modified_arguments,omitempty"`
}

type OutcomeRequest struct {
	TenantID       string  `json:"tenant_id"`
	AgentID        string  `json:"agent_id"`
	CapabilityName string  `json:"capability_name"`
	Success        bool    `json:"success"`
	Cost           float64 `json:"cost"`
}

type FilterRequest struct {
	AgentID      string             `json:"agent_id"`
	RunID        string             `json:"run_id,omitempty"`
	Capabilities []types.Capability `json:"capabilities"`
}

type WeightRequest struct {
	MigrationWeight *int `json:"migration_weight"`
}

func (h *Handler) EvaluateAction(w http.ResponseWriter, r *http.Request) {
	var action types.ProposedAction
	if !decodeJSON(w, r, &action) {
		return
	}
	claims := claimsFrom(r.Context())
	if action.TenantID == "" && !claims.Admin {
		action.TenantID = claims.TenantID
	}
	if !claims.CanAccess(action.TenantID) {
		writeError(w, http.StatusForbidden, "tenant not permitted")
		return
	}

	out, err := h.Engine.EvaluateAndMaybeExecute(r.Context(), action)
	if err != nil {
		if errors.Is(err, governance.ErrInvalidAction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "outcome": out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims := claimsFrom(r.Context())
	if req.TenantID == "" && !claims.Admin {
		req.TenantID = claims.TenantID
	}
	if !claims.CanAccess(req.TenantID) {
		writeError(w, http.StatusForbidden, "tenant not permitted")
		return
	}
	if err := h.Engine.RecordOutcome(r.Context(), req.TenantID, req.AgentID, req.CapabilityName, req.Success, req.Cost); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) FilterCapabilities(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	visible := h.Engine.FilterCapabilities(r.Context(), req.Capabilities, chi.URLParam(r, "tenant"), req.AgentID, req.RunID)
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": visible})
}

func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Engine.ListPendingApprovals(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.GetApproval(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims := claimsFrom(r.Context())
	tenant := claims.TenantID
	if claims.Admin {
		tenant = ""
	}
	res, err := h.Engine.ResolveApproval(r.Context(), tenant, chi.URLParam(r, "id"), req.Outcome, claims.Subject, req.ModifiedArguments)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) QueryLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, ok := parseRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}
	f := ledger.Filter{
		From:           from,
		To:             to,
		AgentID:        q.Get("agent_id"),
		CapabilityName: q.Get("capability"),
		ExecutionMode:  types.ExecutionMode(q.Get("mode")),
		DecisionID:     q.Get("decision_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	recs, err := h.Engine.QueryLedger(r.Context(), chi.URLParam(r, "tenant"), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *Handler) CostSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, ok := parseRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}
	summary, err := h.Engine.CostSummary(r.Context(), chi.URLParam(r, "tenant"), q.Get("agent_id"), from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) SetWeight(w http.ResponseWriter, r *http.Request) {
	var req WeightRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MigrationWeight == nil {
		writeError(w, http.StatusBadRequest, "migration_weight is required")
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Engine.SetMigrationWeight(name, *req.MigrationWeight); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Capability(name))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Reconcile(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) SweepApprovals(w http.ResponseWriter, r *http.Request) {
	expired, err := h.Engine.SweepExpired(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": expired})
}

func parseRange(w http.ResponseWriter, rawFrom, rawTo string) (time.Time, time.Time, bool) {
	var from, to time.Time
	var err error
	if rawFrom != "" {
		if from, err = time.Parse(time.RFC3339, rawFrom); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return from, to, false
		}
	}
	if rawTo != "" {
		if to, err = time.Parse(time.RFC3339, rawTo); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return from, to, false
		}
	}
	return from, to, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error) {
	var cerr *policy.ConfigurationError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrInvalidOutcome),
		errors.Is(err, governance.ErrInvalidAction),
		errors.Is(err, ledger.ErrTenantRequired),
		errors.As(err, &cerr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
