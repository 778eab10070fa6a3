package extract_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/connection/conntest"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"
	"github.com/ajitpratap0/magnetar/pkg/handler"
)

func newFixture(t *testing.T, hcfg *handler.Config) (*connection.Manager, *conntest.Driver, *handler.Handler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	d := conntest.New("conntest-" + t.Name())
	mgr := connection.New(connection.NewFactory(nil, logger), logger)
	return mgr, d, handler.New(hcfg, logger)
}

func sourceConfig(d *conntest.Driver) *connection.Config {
	return &connection.Config{
		Driver:   d.Name(),
		Host:     "db.internal",
		Service:  "orders",
		Username: "etl",
		Password: "secret",
		PoolMin:  1,
		PoolMax:  2,
	}
}

func newExtractor(t *testing.T, mgr *connection.Manager, d *conntest.Driver, h *handler.Handler, cfg *extract.Config) *extract.Extractor {
	t.Helper()
	e, err := extract.New(mgr, h, cfg, sourceConfig(d), zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

// attempts returns a handler configuration with the retry budget pinned so
// tests control how often the extractor reruns a failed read.
func attempts(n int) *handler.Config {
	cfg := handler.DefaultConfig()
	cfg.MaxRetryAttempts = n
	return cfg
}

func orderRows() ([]string, [][]interface{}) {
	columns := []string{"id", "customer", "total"}
	rows := [][]interface{}{
		{1, "acme", 100.0},
		{2, "globex", 250.0},
		{3, "initech", 75.5},
		{4, "umbrella", 310.0},
		{5, "hooli", 42.0},
	}
	return columns, rows
}

func lastStatement(t *testing.T, d *conntest.Driver) string {
	t.Helper()
	s := d.LastSession()
	require.NotNil(t, s)
	stmts := s.Statements()
	require.NotEmpty(t, stmts)
	return stmts[len(stmts)-1]
}

func TestNewValidatesConfig(t *testing.T) {
	mgr, d, h := newFixture(t, nil)
	logger := zaptest.NewLogger(t)

	_, err := extract.New(mgr, h, nil, sourceConfig(d), logger)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = extract.New(mgr, h, &extract.Config{}, sourceConfig(d), logger)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = extract.New(mgr, h, &extract.Config{
		Connection: "src",
		Tables:     []extract.TableRequest{{Table: "orders; drop table x"}},
	}, sourceConfig(d), logger)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestExtractTableStreamsInBatches(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	columns, data := orderRows()
	d.SetResult(columns, data)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src", BatchSize: 2})

	sink := &extract.Collector{}
	stats, err := e.ExtractTable(context.Background(), extract.TableRequest{Schema: "sales", Table: "orders"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.RowsExtracted)
	assert.Equal(t, 3, stats.Batches)
	assert.False(t, stats.CompletedAt.Before(stats.StartedAt))

	assert.Equal(t, columns, sink.Columns)
	require.Len(t, sink.Rows, 5)
	assert.Equal(t, data[0], sink.Rows[0])
	assert.Equal(t, data[4], sink.Rows[4])

	assert.Equal(t, "SELECT * FROM sales.orders", lastStatement(t, d))

	// The read is committed before the session goes back to the pool.
	s := d.LastSession()
	assert.False(t, s.InTransaction())
	assert.Equal(t, 1, s.CommitCalls())

	// A second extraction reuses the pooled session.
	_, err = e.ExtractTable(context.Background(), extract.TableRequest{Schema: "sales", Table: "orders"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, d.OpenCalls())
	assert.Len(t, sink.Rows, 10)
}

func TestExtractTableQueryShape(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	req := extract.TableRequest{
		Schema:  "sales",
		Table:   "orders",
		Columns: []string{"id", "customer"},
		Where:   "status = 'OPEN'",
		OrderBy: "id",
	}
	_, err := e.ExtractTable(context.Background(), req, &extract.Collector{})
	require.NoError(t, err)

	assert.Equal(t, "SELECT id, customer FROM sales.orders WHERE status = 'OPEN' ORDER BY id", lastStatement(t, d))
}

func TestExtractTableRejectsUnsafeIdentifiers(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	cases := []struct {
		name string
		req  extract.TableRequest
	}{
		{"table", extract.TableRequest{Table: "orders; drop table x"}},
		{"schema", extract.TableRequest{Schema: "bad-schema", Table: "orders"}},
		{"column", extract.TableRequest{Table: "orders", Columns: []string{"id", "name, secret"}}},
		{"order by", extract.TableRequest{Table: "orders", OrderBy: "1; --"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ExtractTable(context.Background(), tc.req, &extract.Collector{})
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}

	// Rejected requests never touch the database and are not tracked as
	// pipeline failures.
	assert.Equal(t, 0, d.OpenCalls())
	assert.Equal(t, int64(0), h.Summary().TotalErrors)
}

func TestExtractQuery(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	_, err := e.ExtractQuery(context.Background(), "   ", nil, &extract.Collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Equal(t, 0, d.OpenCalls())

	raw := "SELECT o.id, c.name FROM orders o JOIN customers c ON c.id = o.customer_id WHERE o.region = ?"
	_, err = e.ExtractQuery(context.Background(), raw, []interface{}{"emea"}, &extract.Collector{})
	require.NoError(t, err)
	assert.Equal(t, raw, lastStatement(t, d))
}

func TestExtractIncrementalAppendsFilter(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	req := extract.TableRequest{Table: "events"}
	_, err := e.ExtractIncremental(context.Background(), req, "updated_at", "2024-01-01", &extract.Collector{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM events WHERE updated_at > ?", lastStatement(t, d))

	req.Where = "tenant_id = 4"
	_, err = e.ExtractIncremental(context.Background(), req, "updated_at", "2024-01-01", &extract.Collector{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM events WHERE (tenant_id = 4) AND updated_at > ?", lastStatement(t, d))

	_, err = e.ExtractIncremental(context.Background(), extract.TableRequest{Table: "events"}, "updated at", "x", &extract.Collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestExtractIncrementalPostgresPlaceholder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := conntest.New("postgres")
	mgr := connection.New(connection.NewFactory(nil, logger), logger)
	h := handler.New(attempts(1), logger)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	_, err := e.ExtractIncremental(context.Background(), extract.TableRequest{Table: "events"}, "updated_at", "2024-01-01", &extract.Collector{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM events WHERE updated_at > $1", lastStatement(t, d))
}

// flakySink fails its first writes, then behaves like a Collector.
type flakySink struct {
	extract.Collector
	failures int
}

func (f *flakySink) WriteBatch(ctx context.Context, columns []string, rows [][]interface{}) error {
	if f.failures > 0 {
		f.failures--
		return stderrors.New("sink unavailable")
	}
	return f.Collector.WriteBatch(ctx, columns, rows)
}

func TestExtractRetryRestartsStream(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(3))
	columns, data := orderRows()
	d.SetResult(columns, data)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src", BatchSize: 2})

	sink := &flakySink{failures: 1}
	stats, err := e.ExtractTable(context.Background(), extract.TableRequest{Table: "orders"}, sink)
	require.NoError(t, err)

	// The first attempt died on its first flush; the second attempt
	// re-read the table from the top, so nothing is double counted.
	assert.Equal(t, int64(5), stats.RowsExtracted)
	assert.Equal(t, 3, stats.Batches)
	assert.Len(t, sink.Rows, 5)

	sessions := d.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].QueryCalls())
	assert.False(t, sessions[0].InTransaction())

	// Recovered retries never reach the tracking pipeline.
	assert.Equal(t, int64(0), h.Summary().TotalErrors)
}

func TestExtractSinkFailureCategorizedLoading(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	columns, data := orderRows()
	d.SetResult(columns, data)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src", BatchSize: 2})

	sink := &flakySink{failures: 10}
	_, err := e.ExtractTable(context.Background(), extract.TableRequest{Table: "orders"}, sink)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLoading))

	var e2 *errors.Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, 1, e2.Context["attempts"])

	summary := h.Summary()
	assert.Equal(t, int64(1), summary.TotalErrors)
	assert.Equal(t, int64(1), summary.ErrorCategories["LOADING"])
}

func TestExtractQueryFailureCategorizedExtraction(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	columns, data := orderRows()
	d.SetResult(columns, data)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	req := extract.TableRequest{Table: "orders"}
	_, err := e.ExtractTable(context.Background(), req, &extract.Collector{})
	require.NoError(t, err)

	d.LastSession().SetQueryErr(stderrors.New("ORA-00942: table or view does not exist"))
	_, err = e.ExtractTable(context.Background(), req, &extract.Collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExtraction))

	var e2 *errors.Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, "SELECT * FROM orders", e2.Context["query"])

	assert.Equal(t, int64(1), h.Summary().TotalErrors)
}

func TestExtractCommitFailureSurfaced(t *testing.T) {
	mgr, d, h := newFixture(t, attempts(1))
	columns, data := orderRows()
	d.SetResult(columns, data)
	e := newExtractor(t, mgr, d, h, &extract.Config{Connection: "src"})

	req := extract.TableRequest{Table: "orders"}
	_, err := e.ExtractTable(context.Background(), req, &extract.Collector{})
	require.NoError(t, err)

	d.LastSession().SetCommitErr(stderrors.New("connection lost"))
	_, err = e.ExtractTable(context.Background(), req, &extract.Collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExtraction))
	assert.Contains(t, err.Error(), "commit after read failed")
}
