// Package dialect provides SQL fragment helpers that keep the store portable
// between SQLite and PostgreSQL.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver name is the pgx driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive LIKE operator for the driver. Postgres
// needs ILIKE; SQLite's plain LIKE already ignores ASCII case.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// Now returns the driver's expression for the current UTC timestamp.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// DurationMs returns an expression for end minus start in milliseconds.
// SQLite stores text timestamps, so the difference goes through julianday;
// Postgres subtracts timestamps directly.
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}
