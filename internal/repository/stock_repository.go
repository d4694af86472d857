package repository

import (
	"context"

	"github.com/ledgerly/be-om-lineedits/internal/database"
	"github.com/ledgerly/be-om-lineedits/internal/errors"
	"github.com/ledgerly/be-om-lineedits/internal/inventory"
)

// StockRepository reads per-location stock availability. It implements
// inventory.StockSource; the availability checker owns the summing and the
// sufficiency verdict.
type StockRepository struct {
	db *database.DB
}

// NewStockRepository creates a new StockRepository.
func NewStockRepository(db *database.DB) *StockRepository {
	return &StockRepository{db: db}
}

// GetAvailableQuantity returns the available (on hand minus allocated)
// quantity of a part at every stock location holding it.
func (r *StockRepository) GetAvailableQuantity(ctx context.Context, partID string) ([]inventory.LocationQuantity, error) {
	query := `
		SELECT location_id, quantity_on_hand - quantity_allocated
		FROM stock_items
		WHERE part_id = $1
	`

	rows, err := r.db.Query(ctx, query, partID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "stock query failed")
	}
	defer rows.Close()

	var locations []inventory.LocationQuantity
	for rows.Next() {
		var loc inventory.LocationQuantity
		if err := rows.Scan(&loc.LocationID, &loc.Available); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stock row")
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}
