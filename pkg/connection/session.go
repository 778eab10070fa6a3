package connection

import (
	"context"
)

// Session is one logical connection to the data store, speaking a
// session-oriented protocol with commit/rollback semantics. Statements run
// inside an implicit transaction that the session opens lazily; Commit and
// Rollback end it and are no-ops when no transaction is open.
//
// A Session is not safe for concurrent use; the registry and pool guarantee
// that no two callers ever hold the same session at the same time.
type Session interface {
	// Ping verifies the underlying link is alive.
	Ping(ctx context.Context) error

	// Query executes a row-returning statement inside the current
	// transaction.
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// Exec executes a statement and reports the number of affected rows.
	Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error)

	// Commit commits the open transaction, if any.
	Commit(ctx context.Context) error

	// Rollback rolls back the open transaction, if any.
	Rollback(ctx context.Context) error

	// Close tears the session down. Close is idempotent.
	Close(ctx context.Context) error
}

// Rows is a driver-agnostic cursor over a query result.
type Rows interface {
	Columns() []string
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// CollectRows drains a cursor into a slice of column-keyed maps and closes it.
func CollectRows(rows Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	cols := rows.Columns()
	var out []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
