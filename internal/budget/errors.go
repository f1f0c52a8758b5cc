package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// ExceededError is returned when a reservation does not fit in the remaining budget.
type ExceededError struct {
	LimitUSD    float64
	SpentUSD    float64
	EstimateUSD float64
	ResetAt     time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf(
		"budget exceeded: $%.2f spent of $%.2f, estimate $%.4f (resets: %s)",
		e.SpentUSD, e.LimitUSD, e.EstimateUSD, e.ResetAt.Format("2006-01-02"),
	)
}

// IsExceeded checks if an error is (or wraps) an ExceededError.
func IsExceeded(err error) bool {
	var e *ExceededError
	return errors.As(err, &e)
}

// Entry is one committed spend record.
type Entry struct {
	ReservationID uuid.UUID
	Provider      models.ProviderID
	AmountUSD     float64
	// CommittedAt always falls inside the period the reservation was made
	// in, even when the commit lands after a rollover.
	CommittedAt   time.Time
}

// Journal persists committed spend.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	SpentBetween(ctx context.Context, start, end time.Time) (float64, error)
}
