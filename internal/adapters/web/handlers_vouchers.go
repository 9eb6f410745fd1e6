package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"erp-core/internal/core"
)

func parseID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, core.E(errCodeInvalidBody, "%s must be a UUID", param)
	}
	return id, nil
}

func (h *handler) createVoucherDraft(w http.ResponseWriter, r *http.Request) {
	var input core.CreateVoucherInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}

	v, err := h.svc.Posting.CreateVoucherDraft(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type postRequest struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	AllowOverride  bool           `json:"allow_override,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r postRequest) options() core.PostOptions {
	return core.PostOptions{
		IdempotencyKey: r.IdempotencyKey,
		AllowOverride:  r.AllowOverride,
		Metadata:       r.Metadata,
	}
}

func (h *handler) postVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req postRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	v, err := h.svc.Posting.PostVoucher(r.Context(), id, principalFrom(r), req.options())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) reverseVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		Reason        string     `json:"reason"`
		Date          *time.Time `json:"date,omitempty"`
		AllowOverride bool       `json:"allow_override,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	v, err := h.svc.Reversal.ReverseVoucher(r.Context(), id, principalFrom(r), core.ReverseOptions{
		Reason:        req.Reason,
		Date:          req.Date,
		AllowOverride: req.AllowOverride,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) getVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	v, err := h.svc.Posting.GetVoucher(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) listVouchers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.VoucherFilter{Status: core.VoucherStatus(q.Get("status"))}
	if raw := q.Get("voucher_type_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "voucher_type_id must be a UUID"))
			return
		}
		filter.VoucherTypeID = id
	}
	if raw := q.Get("financial_year_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "financial_year_id must be a UUID"))
			return
		}
		filter.FinancialYearID = id
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "from must be YYYY-MM-DD"))
			return
		}
		filter.FromDate = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "to must be YYYY-MM-DD"))
			return
		}
		filter.ToDate = &t
	}

	vouchers, err := h.svc.Posting.ListVouchers(r.Context(), principalFrom(r).CompanyID, filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vouchers": vouchers})
}

func (h *handler) createStockTransfer(w http.ResponseWriter, r *http.Request) {
	var input core.StockTransferInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}

	v, err := h.svc.Posting.CreateStockTransferDraft(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
