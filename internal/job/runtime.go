// Package job assembles and runs one configured ETL job: logger, tracing,
// secrets, connection registry, exception handler, notification gateway,
// and extractor, wired together from a single JobConfig.
package job

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/config"
	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"
	"github.com/ajitpratap0/magnetar/pkg/handler"
	"github.com/ajitpratap0/magnetar/pkg/logger"
	"github.com/ajitpratap0/magnetar/pkg/notify"
	"github.com/ajitpratap0/magnetar/pkg/observability"
	"github.com/ajitpratap0/magnetar/pkg/secrets"
)

// SinkFactory supplies the sink that receives one table's rows.
type SinkFactory func(req extract.TableRequest) (extract.BatchSink, error)

// Runtime owns every component of a running job.
type Runtime struct {
	cfg       *config.JobConfig
	logger    *zap.Logger
	manager   *connection.Manager
	handler   *handler.Handler
	notifier  *notify.Service
	extractor *extract.Extractor
}

// New builds a runtime from cfg. The configuration must already be loaded
// and validated; New only assembles.
func New(cfg *config.JobConfig) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.NewConfiguration("job configuration is required")
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to build logger")
	}
	log = log.With(zap.String("job", cfg.Name), zap.String("environment", cfg.Environment))

	// Tracing is best effort; a job must not die because an exporter is
	// misconfigured.
	if err := observability.Initialize(cfg.Observability); err != nil {
		log.Warn("tracing initialization failed", zap.Error(err))
	}

	var resolver secrets.Resolver
	if needsResolver(cfg) {
		resolver, err = secrets.NewKeyResolverFromEnv()
		if err != nil {
			return nil, errors.Normalize(err).
				WithContext("reason", "a connection sets password_encrypted")
		}
	}

	manager := connection.New(connection.NewFactory(resolver, log), log)
	h := handler.New(&cfg.ErrorHandling, log)

	notifier, err := notify.New(&cfg.Notifications, log)
	if err != nil {
		return nil, err
	}
	if cfg.ErrorHandling.SendNotifications {
		h.SetNotifier(notifier)
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   log,
		manager:  manager,
		handler:  h,
		notifier: notifier,
	}

	if cfg.Extraction.Connection != "" {
		connCfg, err := cfg.Connection(cfg.Extraction.Connection)
		if err != nil {
			return nil, err
		}
		rt.extractor, err = extract.New(manager, h, &cfg.Extraction, connCfg, log)
		if err != nil {
			return nil, err
		}
	}

	return rt, nil
}

func needsResolver(cfg *config.JobConfig) bool {
	for _, cc := range cfg.Connections {
		if cc != nil && cc.PasswordEncrypted {
			return true
		}
	}
	return false
}

// Logger returns the job logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Manager returns the connection registry.
func (r *Runtime) Manager() *connection.Manager { return r.manager }

// Handler returns the exception handler.
func (r *Runtime) Handler() *handler.Handler { return r.handler }

// Notifier returns the notification gateway.
func (r *Runtime) Notifier() *notify.Service { return r.notifier }

// Extractor returns the extractor, or nil when no extraction is configured.
func (r *Runtime) Extractor() *extract.Extractor { return r.extractor }

// Probe tests every configured connection and reports the names that failed,
// in order.
func (r *Runtime) Probe(ctx context.Context) []string {
	names := make([]string, 0, len(r.cfg.Connections))
	for name := range r.cfg.Connections {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		cc := r.cfg.Connections[name]
		ok := r.manager.TestConnection(ctx, cc, cc.RetryAttempts)
		r.logger.Info("connection probe finished",
			zap.String("connection", name),
			zap.Bool("ok", ok),
		)
		if !ok {
			failed = append(failed, name)
		}
	}
	return failed
}

// Run probes the connections and extracts every configured table through
// sinks. One table's failure does not stop the others; the run fails when
// any probe or table failed. Failures are already tracked and logged by the
// handler on the way through.
func (r *Runtime) Run(ctx context.Context, sinks SinkFactory) error {
	started := time.Now()
	r.logger.Info("job starting",
		zap.Int("connections", len(r.cfg.Connections)),
		zap.Int("tables", len(r.cfg.Extraction.Tables)),
	)

	err := r.run(ctx, sinks)
	duration := time.Since(started)

	if err != nil {
		r.notifyFailure(ctx, err, duration)
		return err
	}

	r.logger.Info("job complete", zap.Duration("duration", duration))
	r.notifySuccess(ctx, duration)
	return nil
}

func (r *Runtime) run(ctx context.Context, sinks SinkFactory) error {
	if failed := r.Probe(ctx); len(failed) > 0 {
		err := errors.Newf(errors.CategoryConnection, "connection probe failed for %v", failed)
		r.handler.HandleError(ctx, err, "job probe", nil)
		return err
	}

	if r.extractor == nil || len(r.cfg.Extraction.Tables) == 0 {
		return nil
	}
	if sinks == nil {
		return errors.NewConfiguration("extraction requires a sink factory")
	}

	var rows int64
	var failures int
	for _, req := range r.cfg.Extraction.Tables {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.CategoryUnknown, "job cancelled")
		}

		sink, err := sinks(req)
		if err != nil {
			r.handler.HandleError(ctx, err, "open sink for "+req.Qualified(), nil)
			failures++
			continue
		}

		stats, err := r.extractor.ExtractTable(ctx, req, sink)
		if err != nil {
			// Already categorized, tracked, and logged by the extractor's
			// retry pipeline.
			failures++
			continue
		}
		rows += stats.RowsExtracted
	}

	r.logger.Info("extraction phase finished",
		zap.Int("tables", len(r.cfg.Extraction.Tables)),
		zap.Int("failed", failures),
		zap.Int64("rows", rows),
	)

	if failures > 0 {
		return errors.Newf(errors.CategoryExtraction,
			"%d of %d tables failed", failures, len(r.cfg.Extraction.Tables))
	}
	return nil
}

func (r *Runtime) notifySuccess(ctx context.Context, duration time.Duration) {
	details := map[string]interface{}{
		"duration": duration.String(),
	}
	if err := r.notifier.SendJobSuccess(ctx, r.cfg.Name, details); err != nil {
		r.logger.Warn("job success notification failed", zap.Error(err))
	}
}

func (r *Runtime) notifyFailure(ctx context.Context, jobErr error, duration time.Duration) {
	summary := r.handler.Summary()
	details := map[string]interface{}{
		"duration":     duration.String(),
		"total_errors": summary.TotalErrors,
	}
	if err := r.notifier.SendJobFailure(ctx, r.cfg.Name, jobErr.Error(), details); err != nil {
		r.logger.Warn("job failure notification failed", zap.Error(err))
	}
}

// Shutdown closes every connection and pool and flushes telemetry. Failures
// are logged, never returned.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.manager.Close(ctx)

	if err := observability.Shutdown(ctx); err != nil {
		r.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}
