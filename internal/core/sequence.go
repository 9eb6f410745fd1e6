package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AllocateVoucherNumber advances the per-(company, voucher type, FY) counter
// and returns the formatted number "{prefix}-{n}".
//
// The upsert takes a row lock on the sequence row, so concurrent allocations
// against the same tuple serialize; contention is bounded by traffic on one
// (company, type, fy). Must be called inside the posting transaction — a
// rollback releases the advance, leaving an acceptable numeric hole but never
// a duplicate.
func AllocateVoucherNumber(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, typeCode string, fyID uuid.UUID) (string, error) {
	key := fmt.Sprintf("%s:%s:%s", companyID, typeCode, fyID)
	return allocateSequenceTx(ctx, tx, companyID, key, typeCode)
}

// allocateSequenceTx advances an arbitrary named counter for the company and
// returns "{prefix}-{n}". Invoice and order numbering share this with voucher
// numbering.
func allocateSequenceTx(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, key, prefix string) (string, error) {
	var storedPrefix string
	var lastValue int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sequences (company_id, key, prefix, last_value)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (company_id, key)
		DO UPDATE SET last_value = sequences.last_value + 1
		RETURNING prefix, last_value
	`, companyID, key, prefix).Scan(&storedPrefix, &lastValue)
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence for key %s: %w", key, err)
	}

	return fmt.Sprintf("%s-%d", storedPrefix, lastValue), nil
}
