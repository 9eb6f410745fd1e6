// Package web is the thin JSON adapter over the core services. It decodes
// requests, materializes the Principal from headers, dispatches, and maps
// coded errors to status classes. No business rules live here.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"erp-core/internal/core"
)

// Services bundles everything the adapter dispatches to.
type Services struct {
	Posting   *core.PostingService
	Reversal  *core.ReversalService
	Approvals *core.ApprovalService
	Invoices  *core.InvoiceService
	Payments  *core.PaymentService
	Orders    *core.OrderService
	Stock     *core.StockService
	Credit    *core.CreditService
	Aging     *core.AgingService
	Reporting *core.ReportingService
	Audit     *core.AuditService
	Events    *core.EventService
	Years     *core.FinancialYearService
}

type handler struct {
	svc    Services
	logger *zap.Logger
}

// NewRouter builds the chi router with CORS and the principal middleware.
func NewRouter(svc Services, logger *zap.Logger, allowedOrigins []string) http.Handler {
	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-User-ID", "X-Company-ID", "X-Capabilities"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(principalMiddleware)

		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/", h.createVoucherDraft)
			r.Get("/", h.listVouchers)
			r.Get("/{id}", h.getVoucher)
			r.Post("/{id}/post", h.postVoucher)
			r.Post("/{id}/reverse", h.reverseVoucher)
		})
		r.Post("/stock-transfers", h.createStockTransfer)

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.createInvoice)
			r.Get("/outstanding", h.outstandingInvoices)
			r.Get("/{id}", h.getInvoice)
			r.Post("/{id}/post", h.postInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.createPayment)
			r.Get("/{id}", h.getPayment)
			r.Post("/{id}/post", h.postPayment)
			r.Post("/{id}/allocations", h.allocatePayment)
			r.Delete("/{id}/allocations/{lineID}", h.removeAllocation)
		})

		r.Route("/sales-orders", func(r chi.Router) {
			r.Post("/", h.createSalesOrder)
			r.Get("/{id}", h.getSalesOrder)
			r.Post("/{id}/lines", h.addSalesOrderItem)
			r.Post("/{id}/confirm", h.confirmSalesOrder)
			r.Post("/{id}/cancel", h.cancelSalesOrder)
			r.Post("/{id}/invoice", h.generateSalesInvoice)
		})

		r.Route("/purchase-orders", func(r chi.Router) {
			r.Post("/", h.createPurchaseOrder)
			r.Get("/{id}", h.getPurchaseOrder)
			r.Post("/{id}/confirm", h.confirmPurchaseOrder)
			r.Post("/{id}/cancel", h.cancelPurchaseOrder)
			r.Post("/{id}/receive", h.receiveGoods)
			r.Post("/{id}/invoice", h.generatePurchaseInvoice)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.submitApproval)
			r.Get("/status", h.approvalStatus)
			r.Post("/{id}/approve", h.approveApproval)
			r.Post("/{id}/reject", h.rejectApproval)
		})

		r.Route("/financial-years", func(r chi.Router) {
			r.Post("/{id}/close", h.closeFinancialYear)
			r.Post("/{id}/reopen", h.reopenFinancialYear)
			r.Post("/{id}/set-current", h.setCurrentFinancialYear)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/ledger-balance", h.ledgerBalance)
			r.Get("/trial-balance", h.trialBalance)
			r.Get("/aging", h.agingReport)
			r.Get("/stock-balances", h.stockBalances)
			r.Get("/stock-on-hand", h.stockOnHand)
		})

		r.Get("/audit", h.auditTrail)
		r.Get("/events/{id}", h.getEvent)
	})

	return r
}
