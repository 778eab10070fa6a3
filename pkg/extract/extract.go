// Package extract reads relational data in batches through the connection
// registry, with the exception handler supplying retries and failure
// accounting. Rows are streamed to a BatchSink; the extractor never holds a
// full result set in memory.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/handler"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
)

const defaultBatchSize = 1000

// Config selects the connection and tunes batching. Tables lists the
// declarative extraction targets a job run processes.
type Config struct {
	// Connection is the named pool the extractor reads through.
	Connection string `yaml:"connection" json:"connection"`
	// BatchSize caps the rows handed to the sink per call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Tables are the targets processed by a job run.
	Tables []TableRequest `yaml:"tables" json:"tables,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Connection == "" {
		return errors.NewConfiguration("extraction requires a connection name")
	}
	for i := range c.Tables {
		if err := c.Tables[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// TableRequest describes one table extraction.
type TableRequest struct {
	Schema  string   `yaml:"schema" json:"schema,omitempty"`
	Table   string   `yaml:"table" json:"table"`
	Columns []string `yaml:"columns" json:"columns,omitempty"`
	// Where is passed through verbatim, without the WHERE keyword.
	Where   string `yaml:"where" json:"where,omitempty"`
	OrderBy string `yaml:"order_by" json:"order_by,omitempty"`
}

// Qualified returns the schema-qualified table name.
func (r *TableRequest) Qualified() string {
	if r.Schema != "" {
		return r.Schema + "." + r.Table
	}
	return r.Table
}

// identRe accepts plain SQL identifiers. Anything fancier belongs in a raw
// query, not a table request.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func validIdent(s string) bool {
	return identRe.MatchString(s)
}

func (r *TableRequest) validate() error {
	if r.Table == "" {
		return errors.NewValidation("table extraction requires a table name")
	}
	if !validIdent(r.Table) {
		return errors.Newf(errors.CategoryValidation, "invalid table name %q", r.Table)
	}
	if r.Schema != "" && !validIdent(r.Schema) {
		return errors.Newf(errors.CategoryValidation, "invalid schema name %q", r.Schema)
	}
	for _, col := range r.Columns {
		if !validIdent(col) {
			return errors.Newf(errors.CategoryValidation, "invalid column name %q", col)
		}
	}
	if r.OrderBy != "" && !validIdent(r.OrderBy) {
		return errors.Newf(errors.CategoryValidation, "invalid order_by column %q", r.OrderBy)
	}
	return nil
}

// query renders the SELECT for the request.
func (r *TableRequest) query() string {
	cols := "*"
	if len(r.Columns) > 0 {
		cols = strings.Join(r.Columns, ", ")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(cols)
	b.WriteString(" FROM ")
	b.WriteString(r.Qualified())
	if r.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(r.Where)
	}
	if r.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(r.OrderBy)
	}
	return b.String()
}

// BatchSink consumes extracted rows batch by batch. The extractor never
// reuses a delivered batch, so sinks may retain it.
type BatchSink interface {
	WriteBatch(ctx context.Context, columns []string, rows [][]interface{}) error
}

// Stats describes one extraction run.
type Stats struct {
	RowsExtracted int64         `json:"rows_extracted"`
	Batches       int           `json:"batches"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Duration      time.Duration `json:"duration"`
}

// Extractor reads tables and queries through a named pooled connection.
type Extractor struct {
	manager *connection.Manager
	handler *handler.Handler
	cfg     *Config
	connCfg *connection.Config
	logger  *zap.Logger
}

// New creates an extractor. connCfg describes the connection named by
// cfg.Connection; the first extraction registers the pool, later ones reuse
// it.
func New(manager *connection.Manager, h *handler.Handler, cfg *Config, connCfg *connection.Config, logger *zap.Logger) (*Extractor, error) {
	if cfg == nil {
		return nil, errors.NewConfiguration("extraction configuration is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		manager: manager,
		handler: h,
		cfg:     cfg,
		connCfg: connCfg,
		logger:  logger.With(zap.String("component", "extract")),
	}, nil
}

// ExtractTable streams one table to the sink.
func (e *Extractor) ExtractTable(ctx context.Context, req TableRequest, sink BatchSink) (*Stats, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return e.run(ctx, "extract "+req.Qualified(), req.query(), nil, sink)
}

// ExtractQuery streams the result of a raw query to the sink.
func (e *Extractor) ExtractQuery(ctx context.Context, query string, args []interface{}, sink BatchSink) (*Stats, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewValidation("extraction query must not be empty")
	}
	return e.run(ctx, "extract query", query, args, sink)
}

// ExtractIncremental streams the rows of req whose column value is greater
// than since. The comparison value travels as a bound argument.
func (e *Extractor) ExtractIncremental(ctx context.Context, req TableRequest, column string, since interface{}, sink BatchSink) (*Stats, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if !validIdent(column) {
		return nil, errors.Newf(errors.CategoryValidation, "invalid incremental column %q", column)
	}

	filter := column + " > " + e.placeholder(1)
	if req.Where != "" {
		req.Where = "(" + req.Where + ") AND " + filter
	} else {
		req.Where = filter
	}

	return e.run(ctx, "extract "+req.Qualified()+" incremental", req.query(), []interface{}{since}, sink)
}

// placeholder renders the n-th bind marker for the target driver.
func (e *Extractor) placeholder(n int) string {
	if e.connCfg != nil && e.connCfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// run executes the query under the handler's retry policy, streaming rows
// inside a pooled session scope.
func (e *Extractor) run(ctx context.Context, operation, query string, args []interface{}, sink BatchSink) (*Stats, error) {
	stats := &Stats{StartedAt: time.Now()}

	err := e.handler.Retry(ctx, operation, func() error {
		// A fresh attempt restarts the stream from the top.
		stats.RowsExtracted = 0
		stats.Batches = 0
		return e.manager.WithSession(ctx, e.cfg.Connection, e.connCfg, func(ctx context.Context, s connection.Session) error {
			return e.stream(ctx, s, query, args, sink, stats)
		})
	})

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	if err != nil {
		return nil, err
	}

	metrics.RowsExtracted.WithLabelValues(e.cfg.Connection).Add(float64(stats.RowsExtracted))
	metrics.ExtractionDuration.WithLabelValues(e.cfg.Connection).Observe(stats.Duration.Seconds())

	e.logger.Info("extraction complete",
		zap.String("operation", operation),
		zap.Int64("rows", stats.RowsExtracted),
		zap.Int("batches", stats.Batches),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// stream reads the full result set and hands it to the sink in batches.
func (e *Extractor) stream(ctx context.Context, s connection.Session, query string, args []interface{}, sink BatchSink, stats *Stats) error {
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExtraction, "extraction query failed").
			WithContext("query", truncate(query, 120))
	}
	defer rows.Close()

	columns := rows.Columns()
	batch := make([][]interface{}, 0, e.cfg.BatchSize)

	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Wrap(err, errors.CategoryExtraction, "row scan failed")
		}

		batch = append(batch, values)
		stats.RowsExtracted++

		if len(batch) >= e.cfg.BatchSize {
			if err := e.flush(ctx, sink, columns, batch, stats); err != nil {
				return err
			}
			batch = make([][]interface{}, 0, e.cfg.BatchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.CategoryExtraction, "row iteration failed")
	}

	if len(batch) > 0 {
		if err := e.flush(ctx, sink, columns, batch, stats); err != nil {
			return err
		}
	}

	// Leave the session clean so the pool release has nothing to roll back.
	if err := s.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryExtraction, "commit after read failed")
	}
	return nil
}

func (e *Extractor) flush(ctx context.Context, sink BatchSink, columns []string, batch [][]interface{}, stats *Stats) error {
	if err := sink.WriteBatch(ctx, columns, batch); err != nil {
		return errors.Wrap(err, errors.CategoryLoading, "sink write failed")
	}
	stats.Batches++
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// Collector is an in-memory BatchSink for small result sets and tests.
type Collector struct {
	Columns []string
	Rows    [][]interface{}
}

// WriteBatch implements BatchSink.
func (c *Collector) WriteBatch(_ context.Context, columns []string, rows [][]interface{}) error {
	if c.Columns == nil {
		c.Columns = columns
	}
	c.Rows = append(c.Rows, rows...)
	return nil
}
