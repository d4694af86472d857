// Package inventory answers whether stock on hand can cover a proposed
// line-item quantity.
package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerly/be-om-lineedits/internal/errors"
)

// LocationQuantity is the available quantity of a part at one stock location.
type LocationQuantity struct {
	LocationID string
	Available  decimal.Decimal
}

// StockSource is the external stock-query collaborator.
type StockSource interface {
	// GetAvailableQuantity returns per-location availability for a part.
	GetAvailableQuantity(ctx context.Context, partID string) ([]LocationQuantity, error)
}

// Availability is the sufficiency verdict for a proposed quantity.
type Availability struct {
	PartID     string          `json:"part_id"`
	Available  decimal.Decimal `json:"available"`
	Requested  decimal.Decimal `json:"requested"`
	Sufficient bool            `json:"sufficient"`
	QueriedAt  time.Time       `json:"queried_at"`
}

// Checker sums availability across all locations at query time. Results are
// never cached between calls; a stale answer here is worse than a slow one.
type Checker struct {
	source StockSource
	now    func() time.Time
}

// NewChecker creates a Checker over the given stock source.
func NewChecker(source StockSource) *Checker {
	return &Checker{source: source, now: time.Now}
}

// Check computes the sufficiency verdict for the requested quantity.
// An unreachable stock source yields an ErrCodeUnavailable error, which the
// caller must treat as "cannot verify" rather than "insufficient".
func (c *Checker) Check(ctx context.Context, partID string, requested decimal.Decimal) (Availability, error) {
	locations, err := c.source.GetAvailableQuantity(ctx, partID)
	if err != nil {
		return Availability{}, errors.Wrap(err, errors.ErrCodeUnavailable, "stock source unreachable")
	}

	total := decimal.Zero
	for _, loc := range locations {
		total = total.Add(loc.Available)
	}

	return Availability{
		PartID:     partID,
		Available:  total,
		Requested:  requested,
		Sufficient: total.GreaterThanOrEqual(requested),
		QueriedAt:  c.now(),
	}, nil
}
