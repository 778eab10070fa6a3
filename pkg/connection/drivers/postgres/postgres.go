// Package postgres provides the pgx-backed PostgreSQL session driver.
// Importing it registers the driver under the name "postgres".
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/magnetar/pkg/connection"
)

const defaultPort = 5432

func init() {
	connection.RegisterDriver(&driver{})
}

type driver struct{}

func (*driver) Name() string { return "postgres" }

func (*driver) ProbeStatement() string { return "SELECT 1" }

// Open dials the server, applies session parameters, and returns a
// single-connection session. The dial honors ConnectTimeout through the
// connect_timeout DSN parameter in addition to ctx.
func (*driver) Open(ctx context.Context, cfg *connection.Config) (connection.Session, error) {
	conn, err := pgx.Connect(ctx, dsn(cfg))
	if err != nil {
		return nil, err
	}

	// Session parameters apply for the connection's lifetime; set_config
	// keeps arbitrary keys and values safe to pass through.
	for _, key := range sortedKeys(cfg.Params) {
		if _, err := conn.Exec(ctx, "SELECT set_config($1, $2, false)", key, cfg.Params[key]); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("failed to apply session parameter %q: %w", key, err)
		}
	}

	return &session{conn: conn}, nil
}

func dsn(cfg *connection.Config) string {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:   "/" + cfg.DatabaseName(),
	}

	q := url.Values{}
	if secs := int(cfg.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// session drives one pgx connection with the implicit lazy transaction.
// Not safe for concurrent use; the registry and pool guarantee
// single-holder access.
type session struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

func (s *session) begin(ctx context.Context) (pgx.Tx, error) {
	if s.tx == nil {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *session) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *session) Query(ctx context.Context, query string, args ...interface{}) (connection.Rows, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (s *session) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if stderrors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if stderrors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (s *session) Close(ctx context.Context) error {
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
	}
	return s.conn.Close(ctx)
}

// pgxRows adapts pgx.Rows to connection.Rows.
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Columns() []string {
	fields := r.rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}
	return columns
}

func (r *pgxRows) Next() bool { return r.rows.Next() }

func (r *pgxRows) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }

func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}
