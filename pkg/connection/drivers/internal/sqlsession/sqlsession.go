// Package sqlsession adapts a pinned database/sql connection to the
// connection.Session contract. The mysql and snowflake drivers build on
// it; pgx-backed sessions have their own implementation.
package sqlsession

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/ajitpratap0/magnetar/pkg/connection"
)

// Session drives one pinned connection with the implicit lazy
// transaction: the first Query or Exec begins it, Commit and Rollback end
// it, and both are no-ops while none is open. Not safe for concurrent
// use; the registry and pool guarantee single-holder access.
type Session struct {
	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx
}

// New wraps a database handle and its pinned connection. The session owns
// both and closes them together.
func New(db *sql.DB, conn *sql.Conn) *Session {
	return &Session{db: db, conn: conn}
}

func (s *Session) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx == nil {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx, nil
}

// Ping implements connection.Session.
func (s *Session) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Query implements connection.Session.
func (s *Session) Query(ctx context.Context, query string, args ...interface{}) (connection.Rows, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &Rows{rows: rows, columns: columns}, nil
}

// Exec implements connection.Session.
func (s *Session) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Commit implements connection.Session.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if stderrors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Rollback implements connection.Session.
func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if stderrors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Close implements connection.Session, discarding any open transaction.
func (s *Session) Close(ctx context.Context) error {
	if s.tx != nil {
		// The connection is going away; the rollback outcome is moot.
		_ = s.tx.Rollback()
		s.tx = nil
	}

	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil && !stderrors.Is(connErr, sql.ErrConnDone) {
		return connErr
	}
	return dbErr
}

// Rows adapts *sql.Rows to connection.Rows with columns resolved up
// front.
type Rows struct {
	rows    *sql.Rows
	columns []string
}

// Columns implements connection.Rows.
func (r *Rows) Columns() []string { return r.columns }

// Next implements connection.Rows.
func (r *Rows) Next() bool { return r.rows.Next() }

// Scan implements connection.Rows.
func (r *Rows) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }

// Err implements connection.Rows.
func (r *Rows) Err() error { return r.rows.Err() }

// Close implements connection.Rows.
func (r *Rows) Close() error { return r.rows.Close() }
