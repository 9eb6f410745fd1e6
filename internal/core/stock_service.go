package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// stockBalanceConflict must textually match the unique expression index
// uq_stock_balance so ON CONFLICT inference resolves to it.
const stockBalanceConflict = `(company_id, item_id, godown_id, (COALESCE(batch_id, '00000000-0000-0000-0000-000000000000')))`

// StockService manages batches, movements, and the derived stock balances.
// All mutating operations are tx-scoped: the posting and reversal services
// own the transaction so stock changes land atomically with the voucher.
type StockService struct {
	pool *pgxpool.Pool
}

func NewStockService(pool *pgxpool.Pool) *StockService {
	return &StockService{pool: pool}
}

// AllocateOutboundTx performs FIFO allocation of quantity across the batches
// of (company, item, godown). Candidate batch balances are locked in FIFO
// order — (mfg_date ASC NULLS LAST, created_at ASC) — before availability is
// read, so two concurrent outward posts cannot both consume the same stock,
// and posts contending on overlapping batch sets acquire locks in the same
// order and cannot deadlock.
//
// Outbound allocation never creates a batch or balance row: when no batches
// exist the error is NO_BATCHES_AVAILABLE, and when candidates are exhausted
// before the quantity is covered the error is INSUFFICIENT_STOCK.
func (s *StockService) AllocateOutboundTx(ctx context.Context, tx pgx.Tx, companyID, itemID, godownID uuid.UUID, quantity decimal.Decimal) ([]BatchAllocation, error) {
	if !quantity.IsPositive() {
		return nil, E(ErrCodeNonPositiveAmount, "outbound quantity must be positive, got %s", quantity)
	}

	rows, err := tx.Query(ctx, `
		SELECT b.id, sb.quantity_on_hand
		FROM stock_batches b
		JOIN stock_balances sb
		  ON sb.batch_id = b.id
		 AND sb.company_id = b.company_id
		 AND sb.item_id = b.item_id
		 AND sb.godown_id = $3
		WHERE b.company_id = $1 AND b.item_id = $2
		ORDER BY b.mfg_date ASC NULLS LAST, b.created_at ASC
		FOR UPDATE OF b, sb
	`, companyID, itemID, godownID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock candidate batches: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		batchID   uuid.UUID
		available decimal.Decimal
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.batchID, &c.available); err != nil {
			return nil, fmt.Errorf("failed to scan candidate batch: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate batches: %w", err)
	}

	if len(candidates) == 0 {
		return nil, E(ErrCodeNoBatchesAvailable, "no batches available for item %s in godown %s", itemID, godownID)
	}

	needed := quantity
	var allocations []BatchAllocation
	for _, c := range candidates {
		if !c.available.IsPositive() {
			continue
		}
		take := decimal.Min(needed, c.available)
		allocations = append(allocations, BatchAllocation{BatchID: c.batchID, Quantity: take})
		needed = needed.Sub(take)
		if needed.IsZero() {
			break
		}
	}

	if needed.IsPositive() {
		available := quantity.Sub(needed)
		return nil, ED(ErrCodeInsufficientStock,
			map[string]any{"requested": quantity.String(), "available": available.String()},
			"insufficient stock for item %s in godown %s: requested %s, available %s",
			itemID, godownID, quantity, available)
	}

	return allocations, nil
}

// ApplyRequestsTx materializes a voucher's declared stock requests into
// movements and balance updates. Outbound requests go through FIFO
// allocation; inbound requests create or extend a batch; transfers (both
// godowns set) move allocated batches between godowns as a single leg each.
func (s *StockService) ApplyRequestsTx(ctx context.Context, tx pgx.Tx, v *Voucher) error {
	requests, err := fetchStockRequests(ctx, tx, v.ID)
	if err != nil {
		return err
	}

	for _, req := range requests {
		switch {
		case req.FromGodownID != nil && req.ToGodownID == nil:
			err = s.applyOutboundTx(ctx, tx, v, req)
		case req.FromGodownID == nil && req.ToGodownID != nil:
			err = s.applyInboundTx(ctx, tx, v, req)
		case req.FromGodownID != nil && req.ToGodownID != nil:
			err = s.applyTransferTx(ctx, tx, v, req)
		default:
			err = E(ErrCodeInvalidMovementEndpoints, "stock request %s has neither godown set", req.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StockService) applyOutboundTx(ctx context.Context, tx pgx.Tx, v *Voucher, req StockRequest) error {
	allocations, err := s.AllocateOutboundTx(ctx, tx, v.CompanyID, req.ItemID, *req.FromGodownID, req.Quantity)
	if err != nil {
		return err
	}

	for _, alloc := range allocations {
		movementID, err := insertMovement(ctx, tx, v, req.ItemID, req.FromGodownID, nil, &alloc.BatchID, alloc.Quantity, req.Rate)
		if err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, v.CompanyID, req.ItemID, *req.FromGodownID, &alloc.BatchID, alloc.Quantity.Neg(), movementID); err != nil {
			return err
		}
	}
	return nil
}

func (s *StockService) applyInboundTx(ctx context.Context, tx pgx.Tx, v *Voucher, req StockRequest) error {
	batchID, err := upsertBatch(ctx, tx, v, req)
	if err != nil {
		return err
	}

	movementID, err := insertMovement(ctx, tx, v, req.ItemID, nil, req.ToGodownID, &batchID, req.Quantity, req.Rate)
	if err != nil {
		return err
	}
	return adjustBalance(ctx, tx, v.CompanyID, req.ItemID, *req.ToGodownID, &batchID, req.Quantity, movementID)
}

// applyTransferTx moves stock between godowns: FIFO-allocate at the source,
// then write one movement per batch with both godowns set. Both balance
// adjustments share the transaction, so the pair succeeds or rolls back whole.
func (s *StockService) applyTransferTx(ctx context.Context, tx pgx.Tx, v *Voucher, req StockRequest) error {
	allocations, err := s.AllocateOutboundTx(ctx, tx, v.CompanyID, req.ItemID, *req.FromGodownID, req.Quantity)
	if err != nil {
		return err
	}

	for _, alloc := range allocations {
		movementID, err := insertMovement(ctx, tx, v, req.ItemID, req.FromGodownID, req.ToGodownID, &alloc.BatchID, alloc.Quantity, req.Rate)
		if err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, v.CompanyID, req.ItemID, *req.FromGodownID, &alloc.BatchID, alloc.Quantity.Neg(), movementID); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, v.CompanyID, req.ItemID, *req.ToGodownID, &alloc.BatchID, alloc.Quantity, movementID); err != nil {
			return err
		}
	}
	return nil
}

// ReverseMovementsTx appends, for each movement of the original voucher, a
// new movement on the reversal voucher with from/to godowns swapped and the
// same batch, quantity, and rate. Original rows are never mutated.
func (s *StockService) ReverseMovementsTx(ctx context.Context, tx pgx.Tx, original *Voucher, reversal *Voucher) error {
	rows, err := tx.Query(ctx, `
		SELECT item_id, from_godown_id, to_godown_id, batch_id, quantity, rate
		FROM stock_movements
		WHERE voucher_id = $1
		ORDER BY created_at, id
	`, original.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch movements for voucher %s: %w", original.ID, err)
	}
	defer rows.Close()

	type movementRow struct {
		itemID     uuid.UUID
		fromGodown *uuid.UUID
		toGodown   *uuid.UUID
		batchID    *uuid.UUID
		quantity   decimal.Decimal
		rate       decimal.Decimal
	}
	var movements []movementRow
	for rows.Next() {
		var m movementRow
		if err := rows.Scan(&m.itemID, &m.fromGodown, &m.toGodown, &m.batchID, &m.quantity, &m.rate); err != nil {
			return fmt.Errorf("failed to scan movement: %w", err)
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating movements: %w", err)
	}

	for _, m := range movements {
		// Swap endpoints: what left a godown comes back, what arrived leaves.
		movementID, err := insertMovement(ctx, tx, reversal, m.itemID, m.toGodown, m.fromGodown, m.batchID, m.quantity, m.rate)
		if err != nil {
			return err
		}
		if m.fromGodown != nil {
			if err := adjustBalance(ctx, tx, reversal.CompanyID, m.itemID, *m.fromGodown, m.batchID, m.quantity, movementID); err != nil {
				return err
			}
		}
		if m.toGodown != nil {
			if err := adjustBalance(ctx, tx, reversal.CompanyID, m.itemID, *m.toGodown, m.batchID, m.quantity.Neg(), movementID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ── Selectors ────────────────────────────────────────────────────────────────

// QuantityOnHand sums batch-level balances for (company, item, godown).
func (s *StockService) QuantityOnHand(ctx context.Context, companyID, itemID, godownID uuid.UUID) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity_on_hand), 0)
		FROM stock_balances
		WHERE company_id = $1 AND item_id = $2 AND godown_id = $3
	`, companyID, itemID, godownID).Scan(&qty)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query quantity on hand: %w", err)
	}
	return qty, nil
}

// QuantityOnHandAllGodowns sums an item's balances across every godown.
func (s *StockService) QuantityOnHandAllGodowns(ctx context.Context, companyID, itemID uuid.UUID) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity_on_hand), 0)
		FROM stock_balances
		WHERE company_id = $1 AND item_id = $2
	`, companyID, itemID).Scan(&qty)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query quantity on hand: %w", err)
	}
	return qty, nil
}

// StockBalances returns batch-level balances for a company, ordered for display.
func (s *StockService) StockBalances(ctx context.Context, companyID uuid.UUID) ([]StockBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT company_id, item_id, godown_id, batch_id, quantity_on_hand, last_movement_id
		FROM stock_balances
		WHERE company_id = $1
		ORDER BY item_id, godown_id, batch_id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock balances: %w", err)
	}
	defer rows.Close()

	var balances []StockBalance
	for rows.Next() {
		var b StockBalance
		if err := rows.Scan(&b.CompanyID, &b.ItemID, &b.GodownID, &b.BatchID, &b.QuantityOnHand, &b.LastMovementID); err != nil {
			return nil, fmt.Errorf("failed to scan stock balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// ── Row helpers ──────────────────────────────────────────────────────────────

func fetchStockRequests(ctx context.Context, q pgxRowQuerier, voucherID uuid.UUID) ([]StockRequest, error) {
	rows, err := q.Query(ctx, `
		SELECT id, voucher_id, item_id, from_godown_id, to_godown_id, batch_number, mfg_date, quantity, rate
		FROM stock_requests
		WHERE voucher_id = $1
		ORDER BY id
	`, voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock requests: %w", err)
	}
	defer rows.Close()

	var requests []StockRequest
	for rows.Next() {
		var r StockRequest
		if err := rows.Scan(&r.ID, &r.VoucherID, &r.ItemID, &r.FromGodownID, &r.ToGodownID, &r.BatchNumber, &r.MfgDate, &r.Quantity, &r.Rate); err != nil {
			return nil, fmt.Errorf("failed to scan stock request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, nil
}

// upsertBatch finds or creates the batch an inbound request lands in. When
// the request names no batch, one is derived from the voucher so repeated
// receipts under one voucher extend the same lot.
func upsertBatch(ctx context.Context, tx pgx.Tx, v *Voucher, req StockRequest) (uuid.UUID, error) {
	batchNumber := fmt.Sprintf("LOT-%s", v.ID)
	if req.BatchNumber != nil && *req.BatchNumber != "" {
		batchNumber = *req.BatchNumber
	}

	var mfgDate *time.Time
	if req.MfgDate != nil {
		mfgDate = req.MfgDate
	} else {
		d := v.VoucherDate
		mfgDate = &d
	}

	var batchID uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO stock_batches (company_id, item_id, batch_number, mfg_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, item_id, batch_number)
		DO UPDATE SET batch_number = EXCLUDED.batch_number
		RETURNING id
	`, v.CompanyID, req.ItemID, batchNumber, mfgDate).Scan(&batchID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert batch %s: %w", batchNumber, err)
	}
	return batchID, nil
}

func insertMovement(ctx context.Context, tx pgx.Tx, v *Voucher, itemID uuid.UUID, fromGodown, toGodown, batchID *uuid.UUID, quantity, rate decimal.Decimal) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO stock_movements (company_id, voucher_id, item_id, from_godown_id, to_godown_id, batch_id, quantity, rate, movement_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, v.CompanyID, v.ID, itemID, fromGodown, toGodown, batchID, quantity, rate, v.VoucherDate).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert stock movement: %w", err)
	}
	return id, nil
}

// adjustBalance applies a signed delta to the (company, item, godown, batch)
// balance, stamping last_movement_id. The CHECK on quantity_on_hand is the
// database backstop against negative stock; FIFO allocation should never
// reach it.
func adjustBalance(ctx context.Context, tx pgx.Tx, companyID, itemID, godownID uuid.UUID, batchID *uuid.UUID, delta decimal.Decimal, movementID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_balances (company_id, item_id, godown_id, batch_id, quantity_on_hand, last_movement_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT `+stockBalanceConflict+`
		DO UPDATE SET quantity_on_hand = stock_balances.quantity_on_hand + EXCLUDED.quantity_on_hand,
		              last_movement_id = EXCLUDED.last_movement_id
	`, companyID, itemID, godownID, batchID, delta, movementID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock balance: %w", err)
	}
	return nil
}
