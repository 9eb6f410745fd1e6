package web

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"erp-core/internal/core"
)

// ── Approvals ────────────────────────────────────────────────────────────────

func (h *handler) submitApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetType string    `json:"target_type"`
		TargetID   uuid.UUID `json:"target_id"`
		Remarks    string    `json:"remarks"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	a, err := h.svc.Approvals.Submit(r.Context(), principalFrom(r), req.TargetType, req.TargetID, req.Remarks)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handler) approveApproval(w http.ResponseWriter, r *http.Request) {
	h.decideApproval(w, r, true)
}

func (h *handler) rejectApproval(w http.ResponseWriter, r *http.Request) {
	h.decideApproval(w, r, false)
}

func (h *handler) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		Remarks string `json:"remarks"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	var a *core.Approval
	if approve {
		a, err = h.svc.Approvals.Approve(r.Context(), principalFrom(r), id, req.Remarks)
	} else {
		a, err = h.svc.Approvals.Reject(r.Context(), principalFrom(r), id, req.Remarks)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) approvalStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	targetID, err := uuid.Parse(q.Get("target_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "target_id must be a UUID"))
		return
	}
	a, err := h.svc.Approvals.Status(r.Context(), principalFrom(r).CompanyID, q.Get("target_type"), targetID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if a == nil {
		writeError(w, h.logger, core.E(core.ErrCodeNotFound, "no approval for target %s", targetID))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ── Financial years ──────────────────────────────────────────────────────────

func (h *handler) closeFinancialYear(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	fy, err := h.svc.Years.CloseFinancialYear(r.Context(), principalFrom(r), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fy)
}

func (h *handler) reopenFinancialYear(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	fy, err := h.svc.Years.ReopenFinancialYear(r.Context(), principalFrom(r), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fy)
}

func (h *handler) setCurrentFinancialYear(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	fy, err := h.svc.Years.SetCurrentFinancialYear(r.Context(), principalFrom(r), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fy)
}

// ── Reports ──────────────────────────────────────────────────────────────────

func (h *handler) ledgerBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ledgerID, err := uuid.Parse(q.Get("ledger_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "ledger_id must be a UUID"))
		return
	}
	fyID, err := uuid.Parse(q.Get("financial_year_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "financial_year_id must be a UUID"))
		return
	}
	b, err := h.svc.Reporting.LedgerBalance(r.Context(), principalFrom(r).CompanyID, ledgerID, fyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	fyID, err := uuid.Parse(r.URL.Query().Get("financial_year_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "financial_year_id must be a UUID"))
		return
	}
	tb, err := h.svc.Reporting.TrialBalance(r.Context(), principalFrom(r).CompanyID, fyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

func (h *handler) agingReport(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "as_of must be YYYY-MM-DD"))
			return
		}
		asOf = t
	}
	report, err := h.svc.Aging.Report(r.Context(), principalFrom(r).CompanyID, asOf)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) stockBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.svc.Stock.StockBalances(r.Context(), principalFrom(r).CompanyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *handler) stockOnHand(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, err := uuid.Parse(q.Get("item_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "item_id must be a UUID"))
		return
	}

	companyID := principalFrom(r).CompanyID
	if raw := q.Get("godown_id"); raw != "" {
		godownID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "godown_id must be a UUID"))
			return
		}
		qty, err := h.svc.Stock.QuantityOnHand(r.Context(), companyID, itemID, godownID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quantity_on_hand": qty})
		return
	}

	qty, err := h.svc.Stock.QuantityOnHandAllGodowns(r.Context(), companyID, itemID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quantity_on_hand": qty})
}

// ── Audit and events ─────────────────────────────────────────────────────────

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	objectID, err := uuid.Parse(q.Get("object_id"))
	if err != nil {
		writeError(w, h.logger, core.E(errCodeInvalidBody, "object_id must be a UUID"))
		return
	}
	logs, err := h.svc.Audit.ListForObject(r.Context(), principalFrom(r).CompanyID, q.Get("object_type"), objectID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (h *handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	e, err := h.svc.Events.Get(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
