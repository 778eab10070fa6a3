// Package conntest provides a scriptable in-memory driver for exercising
// the connection registry, pools, probes, and execute helpers in tests.
// Drivers register under caller-chosen names, so each test can script its
// own failure sequence without touching shared state:
//
//	d := conntest.New("conntest-" + t.Name())
//	d.FailOpens(2, stderrors.New("dial refused"))
//	cfg := &connection.Config{Driver: d.Name(), Host: "db", Service: "orders", Username: "etl"}
package conntest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ajitpratap0/magnetar/pkg/connection"
)

// Driver is a scriptable connection.Driver. Opens succeed unless a
// failure script is queued; every session handed out is retained for
// later inspection.
type Driver struct {
	name      string
	probeStmt string

	mu         sync.Mutex
	openCalls  int
	openScript []error
	openDelay  time.Duration
	result     *ResultSet
	sessions   []*Session
}

// ResultSet is the canned data template sessions answer queries with.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// New creates a driver and registers it under name. Names must be unique
// within a test binary; deriving them from t.Name() keeps tests isolated.
func New(name string) *Driver {
	d := &Driver{
		name:      name,
		probeStmt: "SELECT 1",
	}
	connection.RegisterDriver(d)
	return d
}

// Name implements connection.Driver.
func (d *Driver) Name() string { return d.name }

// ProbeStatement implements connection.Driver.
func (d *Driver) ProbeStatement() string { return d.probeStmt }

// Open implements connection.Driver, consuming one entry of the failure
// script per call.
func (d *Driver) Open(ctx context.Context, cfg *connection.Config) (connection.Session, error) {
	d.mu.Lock()
	d.openCalls++
	var err error
	if len(d.openScript) > 0 {
		err = d.openScript[0]
		d.openScript = d.openScript[1:]
	}
	delay := d.openDelay
	result := d.result
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &Session{result: result, rowsAffected: 1}

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// FailOpens queues n open failures; opens after the script drains succeed.
func (d *Driver) FailOpens(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.openScript = append(d.openScript, err)
	}
}

// ScriptOpens queues an explicit outcome per open call; nil entries succeed.
func (d *Driver) ScriptOpens(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openScript = append(d.openScript, errs...)
}

// SetOpenDelay makes every subsequent open block for delay, which lets
// concurrency tests hold a build in flight.
func (d *Driver) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
}

// SetResult installs the result set new sessions answer queries with.
func (d *Driver) SetResult(columns []string, rows [][]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result = &ResultSet{Columns: columns, Rows: rows}
}

// OpenCalls reports how many times Open ran, failures included.
func (d *Driver) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

// Sessions returns every session the driver has handed out, in order.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// LastSession returns the most recently opened session, or nil.
func (d *Driver) LastSession() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Session is the in-memory connection.Session. Error injection points
// cover every method; call counters and transaction state are inspectable
// mid-test.
type Session struct {
	mu           sync.Mutex
	result       *ResultSet
	rowsAffected int64
	closed       bool
	inTx         bool

	pingErr     error
	queryErr    error
	execErr     error
	commitErr   error
	rollbackErr error
	closeErr    error

	pingCalls     int
	queryCalls    int
	execCalls     int
	commitCalls   int
	rollbackCalls int
	closeCalls    int

	statements []string
}

// Ping implements connection.Session.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCalls++
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	return s.pingErr
}

// Query implements connection.Session, opening the implicit transaction
// and answering from the scripted result set.
func (s *Session) Query(ctx context.Context, query string, args ...interface{}) (connection.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls++
	s.statements = append(s.statements, query)
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.inTx = true
	result := s.result
	if result == nil {
		result = &ResultSet{}
	}
	return newRows(result), nil
}

// Exec implements connection.Session.
func (s *Session) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls++
	s.statements = append(s.statements, stmt)
	if s.closed {
		return 0, fmt.Errorf("session is closed")
	}
	if s.execErr != nil {
		return 0, s.execErr
	}
	s.inTx = true
	return s.rowsAffected, nil
}

// Commit implements connection.Session; a no-op without an open
// transaction.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCalls++
	if !s.inTx {
		return nil
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.inTx = false
	return nil
}

// Rollback implements connection.Session; a no-op without an open
// transaction.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackCalls++
	if !s.inTx {
		return nil
	}
	if s.rollbackErr != nil {
		return s.rollbackErr
	}
	s.inTx = false
	return nil
}

// Close implements connection.Session. The session is unusable afterwards
// even when a scripted close error is returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return s.closeErr
}

// SetPingErr scripts Ping failures.
func (s *Session) SetPingErr(err error) { s.setErr(&s.pingErr, err) }

// SetQueryErr scripts Query failures.
func (s *Session) SetQueryErr(err error) { s.setErr(&s.queryErr, err) }

// SetExecErr scripts Exec failures.
func (s *Session) SetExecErr(err error) { s.setErr(&s.execErr, err) }

// SetCommitErr scripts Commit failures.
func (s *Session) SetCommitErr(err error) { s.setErr(&s.commitErr, err) }

// SetRollbackErr scripts Rollback failures; it only fires while a
// transaction is open, matching the no-op contract.
func (s *Session) SetRollbackErr(err error) { s.setErr(&s.rollbackErr, err) }

// SetCloseErr scripts Close failures.
func (s *Session) SetCloseErr(err error) { s.setErr(&s.closeErr, err) }

func (s *Session) setErr(target *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*target = err
}

// SetResult replaces the session's result set.
func (s *Session) SetResult(columns []string, rows [][]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &ResultSet{Columns: columns, Rows: rows}
}

// SetRowsAffected scripts Exec's return value.
func (s *Session) SetRowsAffected(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsAffected = n
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// InTransaction reports whether the implicit transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// PingCalls reports how many times Ping ran.
func (s *Session) PingCalls() int { return s.calls(&s.pingCalls) }

// QueryCalls reports how many times Query ran.
func (s *Session) QueryCalls() int { return s.calls(&s.queryCalls) }

// ExecCalls reports how many times Exec ran.
func (s *Session) ExecCalls() int { return s.calls(&s.execCalls) }

// CommitCalls reports how many times Commit ran.
func (s *Session) CommitCalls() int { return s.calls(&s.commitCalls) }

// RollbackCalls reports how many times Rollback ran, no-ops included.
func (s *Session) RollbackCalls() int { return s.calls(&s.rollbackCalls) }

// CloseCalls reports how many times Close ran.
func (s *Session) CloseCalls() int { return s.calls(&s.closeCalls) }

func (s *Session) calls(counter *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *counter
}

// Statements returns every query and exec statement the session saw.
func (s *Session) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.statements))
	copy(out, s.statements)
	return out
}

// rows implements connection.Rows over a ResultSet.
type rows struct {
	result *ResultSet
	idx    int
	closed bool
}

func newRows(result *ResultSet) *rows {
	return &rows{result: result, idx: -1}
}

func (r *rows) Columns() []string { return r.result.Columns }

func (r *rows) Next() bool {
	if r.closed || r.idx+1 >= len(r.result.Rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rows) Scan(dest ...interface{}) error {
	if r.idx < 0 || r.idx >= len(r.result.Rows) {
		return fmt.Errorf("scan called without a row")
	}
	row := r.result.Rows[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan expects %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		p, ok := d.(*interface{})
		if !ok {
			return fmt.Errorf("scan destination %d is not *interface{}", i)
		}
		*p = row[i]
	}
	return nil
}

func (r *rows) Err() error { return nil }

func (r *rows) Close() error {
	r.closed = true
	return nil
}
