package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturningSeq executes an INSERT into a table whose auto-generated
// sequence column is named seq and returns the assigned value.
//
//	Postgres: appends RETURNING seq and scans the result.
//	SQLite:   uses LastInsertId() from the exec result.
func InsertReturningSeq(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var seq int64
		err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING seq"), args...).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("insert returning seq: %w", err)
		}
		return seq, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
