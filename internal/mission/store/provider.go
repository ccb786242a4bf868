package store

import (
	"github.com/clawdeck/clawdeck/internal/db"
)

// Provide creates the repository on top of a shared connection pool, wiring
// its separate writer and reader handles. The pool keeps ownership of the
// connections and closes them.
func Provide(pool *db.Pool) (*Repository, error) {
	return NewWithDB(pool.Writer(), pool.Reader())
}
