package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// SpendJournal stores committed spend so the budget ledger survives restarts.
type SpendJournal struct {
	db *DB
}

var _ budget.Journal = (*SpendJournal)(nil)

// NewSpendJournal creates a journal backed by db.
func NewSpendJournal(db *DB) *SpendJournal {
	return &SpendJournal{db: db}
}

// Append records one commit. Appending the same reservation twice keeps the
// first record.
func (j *SpendJournal) Append(ctx context.Context, e budget.Entry) error {
	_, err := j.db.pool.Exec(ctx, `
		INSERT INTO spend_journal (reservation_id, provider, amount_usd, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reservation_id) DO NOTHING
	`, e.ReservationID, string(e.Provider), e.AmountUSD, e.CommittedAt)
	if err != nil {
		return fmt.Errorf("failed to append spend entry: %w", err)
	}
	return nil
}

// SpentBetween sums the spend committed in [start, end).
func (j *SpendJournal) SpentBetween(ctx context.Context, start, end time.Time) (float64, error) {
	var total float64
	err := j.db.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)::float8
		FROM spend_journal
		WHERE committed_at >= $1 AND committed_at < $2
	`, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

// SpentByProvider breaks the spend in [start, end) down by provider.
func (j *SpendJournal) SpentByProvider(ctx context.Context, start, end time.Time) (map[models.ProviderID]float64, error) {
	rows, err := j.db.pool.Query(ctx, `
		SELECT provider, SUM(amount_usd)::float8
		FROM spend_journal
		WHERE committed_at >= $1 AND committed_at < $2
		GROUP BY provider
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend by provider: %w", err)
	}
	defer rows.Close()

	out := make(map[models.ProviderID]float64)
	for rows.Next() {
		var p string
		var amount float64
		if err := rows.Scan(&p, &amount); err != nil {
			return nil, err
		}
		out[models.ProviderID(p)] = amount
	}
	return out, rows.Err()
}
