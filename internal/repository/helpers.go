package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/botfleet/orchestrator/internal/database"
)

// getOptional scans a single row into a new T. A query matching no row
// yields (nil, nil); lookups by id or reference treat absence as a result.
func getOptional[T any](ctx context.Context, db database.DBTX, query string, args ...any) (*T, error) {
	var dest T
	err := db.GetContext(ctx, &dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dest, nil
}
