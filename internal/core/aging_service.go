package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const agingCacheTTL = 24 * time.Hour

// AgingBuckets splits outstanding amounts by days overdue.
type AgingBuckets struct {
	Current    decimal.Decimal `json:"current"`      // 0-30 days
	Days31to60 decimal.Decimal `json:"days_31_60"`
	Days61to90 decimal.Decimal `json:"days_61_90"`
	Over90     decimal.Decimal `json:"over_90"`
	Total      decimal.Decimal `json:"total"`
}

func (b *AgingBuckets) add(daysOverdue int, amount decimal.Decimal) {
	switch {
	case daysOverdue <= 30:
		b.Current = b.Current.Add(amount)
	case daysOverdue <= 60:
		b.Days31to60 = b.Days31to60.Add(amount)
	case daysOverdue <= 90:
		b.Days61to90 = b.Days61to90.Add(amount)
	default:
		b.Over90 = b.Over90.Add(amount)
	}
	b.Total = b.Total.Add(amount)
}

type PartyAging struct {
	PartyID   uuid.UUID    `json:"party_id"`
	PartyCode string       `json:"party_code"`
	PartyName string       `json:"party_name"`
	Buckets   AgingBuckets `json:"buckets"`
}

// AgingReport is the receivables aging of one company at a point in time.
type AgingReport struct {
	CompanyID uuid.UUID    `json:"company_id"`
	AsOf      time.Time    `json:"as_of"`
	Parties   []PartyAging `json:"parties"`
	Totals    AgingBuckets `json:"totals"`
}

// IsBalanced reports whether the per-party buckets add up to the totals.
func (r *AgingReport) IsBalanced() bool {
	sum := decimal.Zero
	for _, p := range r.Parties {
		sum = sum.Add(p.Buckets.Total)
	}
	return sum.Equal(r.Totals.Total)
}

// AgingService builds receivables aging reports over open sales invoices.
// Reports for a (company, as-of date) are cached in Redis for a day; a nil
// client degrades to direct computation.
type AgingService struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgingService(pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) *AgingService {
	return &AgingService{pool: pool, rdb: rdb, logger: logger}
}

func agingCacheKey(companyID uuid.UUID, asOf time.Time) string {
	return fmt.Sprintf("aging:%s:%s", companyID, asOf.Format("2006-01-02"))
}

// Report returns the aging report, serving from cache when possible. Cache
// failures are logged and fall through to computation.
func (s *AgingService) Report(ctx context.Context, companyID uuid.UUID, asOf time.Time) (*AgingReport, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, agingCacheKey(companyID, asOf)).Bytes()
		if err == nil {
			var cached AgingReport
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			s.logger.Warn("discarding undecodable aging cache entry",
				zap.String("company_id", companyID.String()))
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("aging cache read failed", zap.Error(err))
		}
	}

	report, err := s.compute(ctx, companyID, asOf)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, report)
	return report, nil
}

// Precompute builds and caches the report without returning it. The daily
// scheduler calls this for every active company.
func (s *AgingService) Precompute(ctx context.Context, companyID uuid.UUID, asOf time.Time) error {
	report, err := s.compute(ctx, companyID, asOf)
	if err != nil {
		return err
	}
	s.cache(ctx, report)
	return nil
}

// PrecomputeAll warms today's cache for every active company.
func (s *AgingService) PrecomputeAll(ctx context.Context, asOf time.Time) error {
	rows, err := s.pool.Query(ctx, "SELECT id FROM companies WHERE is_active")
	if err != nil {
		return fmt.Errorf("failed to query active companies: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan company id: %w", err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		if err := s.Precompute(ctx, id, asOf); err != nil {
			s.logger.Error("aging precompute failed",
				zap.String("company_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *AgingService) cache(ctx context.Context, report *AgingReport) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		s.logger.Warn("aging cache marshal failed", zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, agingCacheKey(report.CompanyID, report.AsOf), raw, agingCacheTTL).Err(); err != nil {
		s.logger.Warn("aging cache write failed", zap.Error(err))
	}
}

func (s *AgingService) compute(ctx context.Context, companyID uuid.UUID, asOf time.Time) (*AgingReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.code, p.name, i.due_date, i.total_value - i.amount_received
		FROM invoices i
		JOIN parties p ON p.id = i.party_id
		WHERE i.company_id = $1
		  AND i.invoice_type = 'SALES'
		  AND i.status IN ('POSTED', 'PARTIALLY_PAID')
		  AND i.invoice_date <= $2
		ORDER BY p.code, i.due_date
	`, companyID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query open invoices: %w", err)
	}
	defer rows.Close()

	report := &AgingReport{CompanyID: companyID, AsOf: asOf.Truncate(24 * time.Hour)}
	index := make(map[uuid.UUID]int)

	for rows.Next() {
		var partyID uuid.UUID
		var code, name string
		var dueDate time.Time
		var outstanding decimal.Decimal
		if err := rows.Scan(&partyID, &code, &name, &dueDate, &outstanding); err != nil {
			return nil, fmt.Errorf("failed to scan aging row: %w", err)
		}
		outstanding = Money(outstanding)
		if !outstanding.IsPositive() {
			continue
		}

		i, ok := index[partyID]
		if !ok {
			i = len(report.Parties)
			index[partyID] = i
			report.Parties = append(report.Parties, PartyAging{PartyID: partyID, PartyCode: code, PartyName: name})
		}

		days := daysOverdue(report.AsOf, dueDate)
		report.Parties[i].Buckets.add(days, outstanding)
		report.Totals.add(days, outstanding)
	}

	return report, nil
}

// daysOverdue is whole days past due, clamped at zero for not-yet-due
// invoices so they land in the current bucket.
func daysOverdue(asOf, dueDate time.Time) int {
	days := int(asOf.Sub(dueDate.Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
