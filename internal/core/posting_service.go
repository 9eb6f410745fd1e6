package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostOptions carries the optional knobs of a posting call.
type PostOptions struct {
	// IdempotencyKey deduplicates repeated posting requests. A replay with
	// the key mapped to the same voucher returns the stored result; the same
	// key mapped to a different voucher is an IDEMPOTENCY_CONFLICT.
	IdempotencyKey string
	// AllowOverride lets an ADMIN post into a closed financial year.
	AllowOverride bool
	// Metadata is attached to the audit record.
	Metadata map[string]any
}

// StockRequestInput declares stock intent when drafting a voucher.
type StockRequestInput struct {
	ItemID       uuid.UUID       `json:"item_id"`
	FromGodownID *uuid.UUID      `json:"from_godown_id,omitempty"`
	ToGodownID   *uuid.UUID      `json:"to_godown_id,omitempty"`
	BatchNumber  string          `json:"batch_number,omitempty"`
	MfgDate      *time.Time      `json:"mfg_date,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
}

// CreateVoucherInput is the shape of a draft voucher.
type CreateVoucherInput struct {
	VoucherTypeID   uuid.UUID           `json:"voucher_type_id"`
	FinancialYearID uuid.UUID           `json:"financial_year_id"`
	Date            time.Time           `json:"date"`
	Narration       string              `json:"narration"`
	Lines           []VoucherLineInput  `json:"lines"`
	StockRequests   []StockRequestInput `json:"stock_requests,omitempty"`
}

// VoucherFilter narrows ListVouchers. Zero values mean "no filter".
type VoucherFilter struct {
	Status          VoucherStatus
	VoucherTypeID   uuid.UUID
	FinancialYearID uuid.UUID
	FromDate        *time.Time
	ToDate          *time.Time
}

// PostingService is the single funnel every financial event goes through:
// it atomically writes a balanced voucher and its derived inventory
// movements, maintains the balance caches, records idempotency, and emits
// the audit record and outbound event after commit.
type PostingService struct {
	pool      *pgxpool.Pool
	stock     *StockService
	approvals *ApprovalService
	audit     *AuditService
	events    *EventService
	logger    *zap.Logger
}

func NewPostingService(pool *pgxpool.Pool, stock *StockService, approvals *ApprovalService, audit *AuditService, events *EventService, logger *zap.Logger) *PostingService {
	return &PostingService{pool: pool, stock: stock, approvals: approvals, audit: audit, events: events, logger: logger}
}

// CreateVoucherDraft inserts a DRAFT voucher with its lines and declared
// stock requests in one transaction. No validation beyond referential
// integrity happens here; the posting path validates.
func (s *PostingService) CreateVoucherDraft(ctx context.Context, principal Principal, input CreateVoucherInput) (*Voucher, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var voucherID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO vouchers (company_id, voucher_type_id, financial_year_id, voucher_date, narration, status)
		VALUES ($1, $2, $3, $4, $5, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, input.VoucherTypeID, input.FinancialYearID, input.Date, input.Narration).Scan(&voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert voucher: %w", err)
	}

	for i, line := range input.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO voucher_lines (voucher_id, line_no, ledger_id, entry_type, amount, cost_center)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		`, voucherID, i+1, line.LedgerID, line.EntryType, line.Amount, line.CostCenter)
		if err != nil {
			return nil, fmt.Errorf("failed to insert voucher line %d: %w", i+1, err)
		}
	}

	for _, req := range input.StockRequests {
		_, err = tx.Exec(ctx, `
			INSERT INTO stock_requests (voucher_id, item_id, from_godown_id, to_godown_id, batch_number, mfg_date, quantity, rate)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		`, voucherID, req.ItemID, req.FromGodownID, req.ToGodownID, req.BatchNumber, req.MfgDate, req.Quantity, req.Rate)
		if err != nil {
			return nil, fmt.Errorf("failed to insert stock request: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit voucher draft: %w", err)
	}

	return s.GetVoucher(ctx, principal.CompanyID, voucherID)
}

// PostVoucher transitions a DRAFT voucher to POSTED.
//
// Everything from the row lock to the idempotency record runs in one
// transaction; there are no nested transactions. Audit and event emission
// happen after commit, best effort: their failure is logged, never surfaced,
// and never reverses the post.
func (s *PostingService) PostVoucher(ctx context.Context, voucherID uuid.UUID, principal Principal, opts PostOptions) (*Voucher, error) {
	if !principal.Has(CapPoster) && !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the POSTER capability", principal.UserID)
	}

	// Replay check outside the transaction: a mapped key short-circuits
	// without touching the voucher.
	if opts.IdempotencyKey != "" {
		existing, err := s.lookupIdempotency(ctx, principal.CompanyID, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if *existing != voucherID {
				return nil, E(ErrCodeIdempotencyConflict,
					"idempotency key %q is already bound to a different voucher", opts.IdempotencyKey)
			}
			return s.GetVoucher(ctx, principal.CompanyID, voucherID)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	v, err := lockVoucherTx(ctx, tx, principal.CompanyID, voucherID)
	if err != nil {
		return nil, err
	}

	switch v.Status {
	case VoucherDraft:
		// proceed
	case VoucherPosted:
		return nil, E(ErrCodeAlreadyPosted, "voucher %s is already posted", voucherID)
	default:
		return nil, E(ErrCodeInvalidVoucherState, "voucher %s is %s, must be DRAFT", voucherID, v.Status)
	}

	company, vt, fy, err := loadPostingContext(ctx, tx, v, principal, opts.AllowOverride)
	if err != nil {
		return nil, err
	}

	lineLedgers, err := loadLineLedgers(ctx, tx, v)
	if err != nil {
		return nil, err
	}
	if err := ValidateForPosting(v, vt, fy, lineLedgers); err != nil {
		return nil, err
	}

	if err := s.approvals.gateSatisfiedTx(ctx, tx, v.CompanyID, TargetVoucher, v.ID, VoucherTotal(v)); err != nil {
		return nil, err
	}

	number, err := AllocateVoucherNumber(ctx, tx, v.CompanyID, vt.Code, fy.ID)
	if err != nil {
		return nil, err
	}

	if vt.IsInventory {
		if err := s.stock.ApplyRequestsTx(ctx, tx, v); err != nil {
			return nil, err
		}
	}

	if err := applyLedgerBalancesTx(ctx, tx, v, fy.ID); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE vouchers SET status = 'POSTED', voucher_number = $1, posted_at = now()
		WHERE id = $2
	`, number, v.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark voucher posted: %w", err)
	}

	if opts.IdempotencyKey != "" {
		if err := recordIdempotencyTx(ctx, tx, v.CompanyID, opts.IdempotencyKey, v.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit posting: %w", err)
	}

	s.afterPost(ctx, company, v.ID, number, principal, "POSTED", "voucher.posted", opts.Metadata)

	return s.GetVoucher(ctx, principal.CompanyID, voucherID)
}

// afterPost runs the post-commit side effects. The voucher is already
// canonical; failures here are logged and stay on their own channels.
func (s *PostingService) afterPost(ctx context.Context, company *Company, voucherID uuid.UUID, number string, principal Principal, action, eventType string, metadata map[string]any) {
	changes := map[string]any{"voucher_number": number, "status": string(VoucherPosted)}
	for k, v := range metadata {
		changes[k] = v
	}
	if err := s.audit.Record(ctx, AuditEntry{
		CompanyID:  company.ID,
		Actor:      principal.UserID,
		ActionType: action,
		ObjectType: "voucher",
		ObjectID:   &voucherID,
		Changes:    changes,
	}); err != nil {
		s.logger.Error("post-commit audit write failed",
			zap.String("voucher_id", voucherID.String()), zap.Error(err))
	}

	if err := s.events.Enqueue(ctx, company.ID, eventType, map[string]any{
		"voucher_id":     voucherID.String(),
		"voucher_number": number,
		"company_code":   company.Code,
	}, voucherID); err != nil {
		s.logger.Error("post-commit event enqueue failed",
			zap.String("voucher_id", voucherID.String()), zap.Error(err))
	}
}

// loadPostingContext loads and guards the tenant rows a posting or reversal
// transaction depends on.
func loadPostingContext(ctx context.Context, tx pgx.Tx, v *Voucher, principal Principal, allowOverride bool) (*Company, *VoucherType, *FinancialYear, error) {
	company, err := loadCompany(ctx, tx, v.CompanyID)
	if err != nil {
		return nil, nil, nil, err
	}
	feature, err := loadCompanyFeature(ctx, tx, v.CompanyID)
	if err != nil {
		return nil, nil, nil, err
	}
	vt, err := loadVoucherType(ctx, tx, v.VoucherTypeID)
	if err != nil {
		return nil, nil, nil, err
	}
	fy, err := loadFinancialYear(ctx, tx, v.FinancialYearID)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := guardCompanyActive(company); err != nil {
		return nil, nil, nil, err
	}
	if err := guardCompanyUnlocked(company, feature); err != nil {
		return nil, nil, nil, err
	}
	if err := guardFYOpen(fy, principal, allowOverride); err != nil {
		return nil, nil, nil, err
	}
	return company, vt, fy, nil
}

// applyLedgerBalancesTx folds the voucher's lines into the per-(ledger, fy)
// balance cache. Amounts are aggregated per ledger and applied in ledger-ID
// order so concurrent posts touching overlapping ledgers lock rows in a
// deterministic order. The last_posted_voucher_id predicate makes the update
// idempotent against a replayed statement within the same post.
func applyLedgerBalancesTx(ctx context.Context, tx pgx.Tx, v *Voucher, fyID uuid.UUID) error {
	type delta struct{ dr, cr decimal.Decimal }
	deltas := make(map[uuid.UUID]*delta)
	for _, line := range v.Lines {
		d, ok := deltas[line.LedgerID]
		if !ok {
			d = &delta{}
			deltas[line.LedgerID] = d
		}
		if line.EntryType == EntryDR {
			d.dr = d.dr.Add(Money(line.Amount))
		} else {
			d.cr = d.cr.Add(Money(line.Amount))
		}
	}

	ledgerIDs := make([]uuid.UUID, 0, len(deltas))
	for id := range deltas {
		ledgerIDs = append(ledgerIDs, id)
	}
	sort.Slice(ledgerIDs, func(i, j int) bool { return ledgerIDs[i].String() < ledgerIDs[j].String() })

	for _, ledgerID := range ledgerIDs {
		d := deltas[ledgerID]
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_balances (company_id, ledger_id, financial_year_id, balance_dr, balance_cr, last_posted_voucher_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (company_id, ledger_id, financial_year_id)
			DO UPDATE SET balance_dr = ledger_balances.balance_dr + EXCLUDED.balance_dr,
			              balance_cr = ledger_balances.balance_cr + EXCLUDED.balance_cr,
			              last_posted_voucher_id = EXCLUDED.last_posted_voucher_id
			WHERE ledger_balances.last_posted_voucher_id IS DISTINCT FROM EXCLUDED.last_posted_voucher_id
		`, v.CompanyID, ledgerID, fyID, d.dr, d.cr, v.ID)
		if err != nil {
			return fmt.Errorf("failed to update ledger balance for %s: %w", ledgerID, err)
		}
	}
	return nil
}

// ── Idempotency store ────────────────────────────────────────────────────────

func (s *PostingService) lookupIdempotency(ctx context.Context, companyID uuid.UUID, key string) (*uuid.UUID, error) {
	var voucherID uuid.UUID
	err := s.pool.QueryRow(ctx,
		"SELECT voucher_id FROM idempotency_keys WHERE company_id = $1 AND key = $2",
		companyID, key,
	).Scan(&voucherID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &voucherID, nil
}

// recordIdempotencyTx inserts the one-shot (company, key) → voucher mapping.
// The unique constraint is the backstop for races: if another transaction
// bound the key first, the losing post aborts with a conflict unless it bound
// the same voucher (impossible here — we hold the voucher lock).
func recordIdempotencyTx(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, key string, voucherID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (company_id, key, voucher_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (company_id, key) DO NOTHING
	`, companyID, key, voucherID)
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return E(ErrCodeIdempotencyConflict, "idempotency key %q was bound concurrently", key)
	}
	return nil
}

// ── Selectors ────────────────────────────────────────────────────────────────

// GetVoucher returns a voucher with lines, scoped to the company.
func (s *PostingService) GetVoucher(ctx context.Context, companyID, voucherID uuid.UUID) (*Voucher, error) {
	return fetchVoucher(ctx, s.pool, companyID, voucherID)
}

// ListVouchers returns company vouchers matching the filter, newest first.
func (s *PostingService) ListVouchers(ctx context.Context, companyID uuid.UUID, filter VoucherFilter) ([]Voucher, error) {
	query := `
		SELECT id, company_id, voucher_type_id, financial_year_id, voucher_number, voucher_date,
		       narration, status, reversed_voucher_id, reversal_reason, reversal_user, reversed_at,
		       created_at, posted_at
		FROM vouchers
		WHERE company_id = $1`
	args := []any{companyID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.VoucherTypeID != uuid.Nil {
		args = append(args, filter.VoucherTypeID)
		query += fmt.Sprintf(" AND voucher_type_id = $%d", len(args))
	}
	if filter.FinancialYearID != uuid.Nil {
		args = append(args, filter.FinancialYearID)
		query += fmt.Sprintf(" AND financial_year_id = $%d", len(args))
	}
	if filter.FromDate != nil {
		args = append(args, *filter.FromDate)
		query += fmt.Sprintf(" AND voucher_date >= $%d", len(args))
	}
	if filter.ToDate != nil {
		args = append(args, *filter.ToDate)
		query += fmt.Sprintf(" AND voucher_date <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []Voucher
	for rows.Next() {
		var v Voucher
		if err := scanVoucher(rows, &v); err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, nil
}

// ── Row helpers shared with the reversal service ─────────────────────────────

type voucherScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row voucherScanner, v *Voucher) error {
	if err := row.Scan(
		&v.ID, &v.CompanyID, &v.VoucherTypeID, &v.FinancialYearID, &v.VoucherNumber, &v.VoucherDate,
		&v.Narration, &v.Status, &v.ReversedVoucherID, &v.ReversalReason, &v.ReversalUser, &v.ReversedAt,
		&v.CreatedAt, &v.PostedAt,
	); err != nil {
		return fmt.Errorf("failed to scan voucher: %w", err)
	}
	return nil
}

func fetchVoucher(ctx context.Context, q pgxReader, companyID, voucherID uuid.UUID) (*Voucher, error) {
	var v Voucher
	row := q.QueryRow(ctx, `
		SELECT id, company_id, voucher_type_id, financial_year_id, voucher_number, voucher_date,
		       narration, status, reversed_voucher_id, reversal_reason, reversal_user, reversed_at,
		       created_at, posted_at
		FROM vouchers
		WHERE id = $1 AND company_id = $2
	`, voucherID, companyID)
	if err := scanVoucher(row, &v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "voucher %s not found", voucherID)
		}
		return nil, err
	}

	lines, err := fetchVoucherLines(ctx, q, voucherID)
	if err != nil {
		return nil, err
	}
	v.Lines = lines
	return &v, nil
}

// lockVoucherTx loads the voucher under an exclusive row lock. This is the
// first lock of the posting path: it totally orders concurrent posts and
// reversals against the same voucher.
func lockVoucherTx(ctx context.Context, tx pgx.Tx, companyID, voucherID uuid.UUID) (*Voucher, error) {
	var v Voucher
	row := tx.QueryRow(ctx, `
		SELECT id, company_id, voucher_type_id, financial_year_id, voucher_number, voucher_date,
		       narration, status, reversed_voucher_id, reversal_reason, reversal_user, reversed_at,
		       created_at, posted_at
		FROM vouchers
		WHERE id = $1 AND company_id = $2
		FOR UPDATE
	`, voucherID, companyID)
	if err := scanVoucher(row, &v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(errors.Unwrap(err), pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "voucher %s not found", voucherID)
		}
		return nil, err
	}

	lines, err := fetchVoucherLines(ctx, tx, voucherID)
	if err != nil {
		return nil, err
	}
	v.Lines = lines
	return &v, nil
}

func fetchVoucherLines(ctx context.Context, q pgxRowQuerier, voucherID uuid.UUID) ([]VoucherLine, error) {
	rows, err := q.Query(ctx, `
		SELECT id, voucher_id, line_no, ledger_id, entry_type, amount, cost_center, against_voucher_id
		FROM voucher_lines
		WHERE voucher_id = $1
		ORDER BY line_no
	`, voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to query voucher lines: %w", err)
	}
	defer rows.Close()

	var lines []VoucherLine
	for rows.Next() {
		var l VoucherLine
		if err := rows.Scan(&l.ID, &l.VoucherID, &l.LineNo, &l.LedgerID, &l.EntryType, &l.Amount, &l.CostCenter, &l.AgainstVoucherID); err != nil {
			return nil, fmt.Errorf("failed to scan voucher line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func loadLineLedgers(ctx context.Context, q pgxRowQuerier, v *Voucher) (map[string]*Ledger, error) {
	ids := make([]uuid.UUID, 0, len(v.Lines))
	seen := make(map[uuid.UUID]bool)
	for _, line := range v.Lines {
		if !seen[line.LedgerID] {
			seen[line.LedgerID] = true
			ids = append(ids, line.LedgerID)
		}
	}

	rows, err := q.Query(ctx, `
		SELECT id, company_id, code, name, group_name, account_type, is_active
		FROM ledgers
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query line ledgers: %w", err)
	}
	defer rows.Close()

	ledgers := make(map[string]*Ledger, len(ids))
	for rows.Next() {
		var l Ledger
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.Code, &l.Name, &l.GroupName, &l.AccountType, &l.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan ledger: %w", err)
		}
		ledgers[l.ID.String()] = &l
	}
	return ledgers, nil
}
