package web

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"erp-core/internal/core"
)

// ── Invoices ─────────────────────────────────────────────────────────────────

func (h *handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var input core.CreateInvoiceInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	inv, err := h.svc.Invoices.CreateInvoiceDraft(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *handler) postInvoice(w http.ResponseWriter, r *http.Request) {
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
	inv, err := h.svc.Invoices.PostInvoice(r.Context(), id, principalFrom(r), req.options())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	inv, err := h.svc.Invoices.GetInvoice(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *handler) outstandingInvoices(w http.ResponseWriter, r *http.Request) {
	var partyID *uuid.UUID
	if raw := r.URL.Query().Get("party_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, core.E(errCodeInvalidBody, "party_id must be a UUID"))
			return
		}
		partyID = &id
	}
	invoices, err := h.svc.Invoices.OutstandingInvoices(r.Context(), principalFrom(r).CompanyID, partyID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// ── Payments ─────────────────────────────────────────────────────────────────

func (h *handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var input core.CreatePaymentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.Payments.CreatePaymentDraft(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.Payments.GetPayment(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) allocatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		InvoiceID uuid.UUID       `json:"invoice_id"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.Payments.AllocatePayment(r.Context(), principalFrom(r), id, req.InvoiceID, req.Amount)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) removeAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	lineID, err := parseID(r, "lineID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.Payments.RemoveAllocation(r.Context(), principalFrom(r), id, lineID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) postPayment(w http.ResponseWriter, r *http.Request) {
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
	p, err := h.svc.Payments.PostPayment(r.Context(), id, principalFrom(r), req.options())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ── Orders ───────────────────────────────────────────────────────────────────

func (h *handler) createSalesOrder(w http.ResponseWriter, r *http.Request) {
	var input core.CreateOrderInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.CreateSalesOrder(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *handler) getSalesOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.GetSalesOrder(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) addSalesOrderItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var line core.OrderLineInput
	if err := decodeBody(r, &line); err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.AddSalesOrderItem(r.Context(), principalFrom(r), id, line)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) confirmSalesOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.ConfirmSalesOrder(r.Context(), principalFrom(r), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) cancelSalesOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.CancelSalesOrder(r.Context(), principalFrom(r), id, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) generateSalesInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var input core.GenerateInvoiceInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	inv, err := h.svc.Orders.GenerateSalesInvoice(r.Context(), principalFrom(r), id, input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *handler) createPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var input core.CreateOrderInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.CreatePurchaseOrder(r.Context(), principalFrom(r), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.GetPurchaseOrder(r.Context(), principalFrom(r).CompanyID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) confirmPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.ConfirmPurchaseOrder(r.Context(), principalFrom(r), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) cancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	o, err := h.svc.Orders.CancelPurchaseOrder(r.Context(), principalFrom(r), id, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) receiveGoods(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var input core.ReceiveGoodsInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	v, err := h.svc.Orders.ReceiveGoods(r.Context(), principalFrom(r), id, input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) generatePurchaseInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var input core.GenerateInvoiceInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, h.logger, err)
		return
	}
	inv, err := h.svc.Orders.GeneratePurchaseInvoice(r.Context(), principalFrom(r), id, input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}
