// Package handler implements the centralized exception-handling engine:
// every failure routed through it is normalized into the error taxonomy,
// logged at the severity its category maps to, counted, kept in a bounded
// history, and escalated once the running total crosses the configured
// threshold. Retry, safe-execute and scoped wrappers drive arbitrary
// operations through the same pipeline.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
	"github.com/ajitpratap0/magnetar/pkg/retry"
)

// Config controls handler behavior. The zero value is not useful; start from
// DefaultConfig and override, or call ApplyDefaults on a hand-built value.
// LogStackTrace defaults to true only through DefaultConfig.
type Config struct {
	// MaxRetryAttempts bounds the retry wrappers, including the first call.
	MaxRetryAttempts int `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	// SendNotifications enables the notification gateway for handled errors.
	SendNotifications bool `yaml:"send_notifications" json:"send_notifications"`
	// LogStackTrace attaches the captured stack to error-severity log lines.
	LogStackTrace bool `yaml:"log_stack_trace" json:"log_stack_trace"`
	// ErrorThreshold is the running total at which escalation fires.
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`
	// RetryBackoffFactor is the base of the exponential wait between retries.
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor" json:"retry_backoff_factor"`
	// HistoryLimit caps the in-memory error history.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetryAttempts:   3,
		SendNotifications:  false,
		LogStackTrace:      true,
		ErrorThreshold:     10,
		RetryBackoffFactor: 2.0,
		HistoryLimit:       1000,
	}
}

// ApplyDefaults fills unset numeric fields. Boolean fields keep whatever
// value they hold.
func (c *Config) ApplyDefaults() {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.RetryBackoffFactor <= 0 {
		c.RetryBackoffFactor = 2.0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
}

// Notifier delivers error notifications. Implementations must be
// best-effort; the handler logs delivery failures and moves on.
type Notifier interface {
	SendErrorNotification(ctx context.Context, subject, message string, details map[string]interface{}) error
}

// Result describes how a failure was handled.
type Result struct {
	Handled   bool           `json:"handled"`
	ErrorID   string         `json:"error_id"`
	Record    *errors.Record `json:"error_details"`
	Timestamp time.Time      `json:"timestamp"`
}

// Summary is a point-in-time report of tracked failures.
type Summary struct {
	TotalErrors       int64            `json:"total_errors"`
	ErrorCategories   map[string]int64 `json:"error_categories"`
	ErrorCounts       map[string]int64 `json:"error_counts"`
	RecentErrors      []*errors.Record `json:"recent_errors"`
	ErrorThreshold    int              `json:"error_threshold"`
	ThresholdExceeded bool             `json:"threshold_exceeded"`
}

// Handler is the exception-handling engine. Safe for concurrent use.
type Handler struct {
	cfg      *Config
	logger   *zap.Logger
	notifier Notifier

	mu         sync.Mutex
	counts     map[string]int64
	categories map[string]int64
	history    []*errors.Record
	total      int64
}

// New creates a handler. A nil cfg means DefaultConfig; a nil logger
// discards output.
func New(cfg *Config, logger *zap.Logger) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.ApplyDefaults()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "handler")),
		counts:     make(map[string]int64),
		categories: make(map[string]int64),
	}
}

// SetNotifier wires the notification gateway. Notifications still require
// SendNotifications to be enabled.
func (h *Handler) SetNotifier(n Notifier) {
	h.notifier = n
}

// HandleError routes a failure through the pipeline: normalize, log, count,
// track, escalate past the threshold, and notify when enabled. It returns a
// description of the handling, or nil when err is nil. The categorized error
// itself is not returned; callers that need it back use the wrappers.
func (h *Handler) HandleError(ctx context.Context, err error, operation string, details map[string]interface{}) *Result {
	_, result := h.handle(ctx, err, operation, details)
	return result
}

// handle is the pipeline core shared by HandleError and the wrappers. It
// returns the categorized error alongside the result.
func (h *Handler) handle(ctx context.Context, err error, operation string, details map[string]interface{}) (*errors.Error, *Result) {
	if err == nil {
		return nil, nil
	}

	e := errors.Normalize(err)
	e.MergeContext(details)
	if operation != "" {
		e.WithContext("operation", operation)
	}

	h.logError(e)

	total := h.track(e)
	if total >= int64(h.cfg.ErrorThreshold) {
		h.escalate(total)
	}

	if h.cfg.SendNotifications && h.notifier != nil {
		h.notify(ctx, e)
	}

	return e, &Result{
		Handled:   true,
		ErrorID:   errorID(e),
		Record:    e.Record(),
		Timestamp: e.Timestamp,
	}
}

// logError writes the failure at the severity its category maps to, with
// the context flattened into fields.
func (h *Handler) logError(e *errors.Error) {
	fields := make([]zap.Field, 0, len(e.Context)+4)
	fields = append(fields,
		zap.String("category", string(e.Category)),
		zap.String("code", string(e.Code)),
	)
	for k, v := range e.Context {
		fields = append(fields, zap.Any(k, v))
	}
	if e.Cause != nil {
		fields = append(fields, zap.NamedError("cause", e.Cause))
	}

	switch e.Category.Severity() {
	case errors.SeverityWarning:
		h.logger.Warn(e.Message, fields...)
	default:
		if h.cfg.LogStackTrace && len(e.Stack) > 0 {
			fields = append(fields, zap.String("stack", e.StackString()))
		}
		h.logger.Error(e.Message, fields...)
	}
}

// track records the failure into the counters and the bounded history and
// returns the running total.
func (h *Handler) track(e *errors.Error) int64 {
	key := fmt.Sprintf("%s:%s", e.Category, e.Code)
	rec := e.Record()

	h.mu.Lock()
	h.counts[key]++
	h.categories[string(e.Category)]++
	h.total++
	h.history = append(h.history, rec)
	if n := len(h.history) - h.cfg.HistoryLimit; n > 0 {
		h.history = append(h.history[:0], h.history[n:]...)
	}
	total := h.total
	h.mu.Unlock()

	metrics.ErrorsHandled.WithLabelValues(string(e.Category), string(e.Code)).Inc()
	return total
}

// escalate emits the threshold-crossing signal. zap has no CRITICAL level,
// so the line goes out at ERROR with an explicit severity field.
func (h *Handler) escalate(total int64) {
	h.logger.Error("error threshold exceeded",
		zap.String("severity", string(errors.SeverityCritical)),
		zap.Int64("total_errors", total),
		zap.Int("threshold", h.cfg.ErrorThreshold),
	)
	metrics.Escalations.Inc()
}

// notify sends the failure to the gateway. Delivery problems are logged and
// swallowed; they never affect the triggering operation.
func (h *Handler) notify(ctx context.Context, e *errors.Error) {
	subject := fmt.Sprintf("ETL error: %s", e.Category)
	details := map[string]interface{}{
		"message":        e.Message,
		"error_code":     string(e.Code),
		"error_category": string(e.Category),
		"timestamp":      e.Timestamp,
	}
	if len(e.Context) > 0 {
		ctxCopy := make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			ctxCopy[k] = v
		}
		details["context"] = ctxCopy
	}

	if err := h.notifier.SendErrorNotification(ctx, subject, e.Message, details); err != nil {
		h.logger.Warn("failed to send error notification", zap.Error(err))
	}
}

// errorID derives a short stable identifier for a handled failure.
func errorID(e *errors.Error) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s%s", e.Timestamp.UnixNano(), e.Code, e.Message)))
	return hex.EncodeToString(sum[:])[:8]
}

// RetryOptions tune a single RetryWith call. Zero fields fall back to the
// handler configuration.
type RetryOptions struct {
	// Operation names the work for logs and metrics.
	Operation string
	// MaxAttempts bounds the total number of calls, including the first.
	MaxAttempts int
	// BackoffFactor is the base of the exponential wait between attempts.
	BackoffFactor float64
	// ShouldRetry rejects failures that must not be retried. Nil retries all.
	ShouldRetry func(error) bool
}

// Retry runs fn with the handler's retry policy. Intermediate failures log
// a warning and wait without touching the error counters; only the terminal
// failure goes through the pipeline, and the categorized error is returned.
func (h *Handler) Retry(ctx context.Context, operation string, fn func() error) error {
	return h.RetryWith(ctx, RetryOptions{Operation: operation}, fn)
}

// RetryWith is Retry with per-call overrides.
func (h *Handler) RetryWith(ctx context.Context, opts RetryOptions, fn func() error) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = h.cfg.MaxRetryAttempts
	}
	factor := opts.BackoffFactor
	if factor <= 0 {
		factor = h.cfg.RetryBackoffFactor
	}

	var lastErr error
	call := func() error {
		if err := fn(); err != nil {
			lastErr = err
			return err
		}
		return nil
	}

	policy := retry.Backoff(attempts, factor)
	err := policy.ExecuteNotify(ctx, call, opts.ShouldRetry, func(attempt int, err error, delay time.Duration) {
		metrics.RetryAttempts.WithLabelValues(opts.Operation).Inc()
		h.logger.Warn("operation attempt failed",
			zap.String("operation", opts.Operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	})
	if err == nil {
		return nil
	}

	// The pipeline sees the bare terminal failure, not the policy's
	// attempt-count wrapper.
	e, _ := h.handle(ctx, lastErr, opts.Operation, map[string]interface{}{
		"attempts": attempts,
	})
	return e
}

// SafeExecute runs fn and absorbs any failure through the handler, returning
// fallback in its place. This is the one wrapper where a failure does not
// propagate.
func SafeExecute[T any](ctx context.Context, h *Handler, operation string, fallback T, fn func() (T, error)) T {
	v, err := fn()
	if err != nil {
		h.HandleError(ctx, err, operation, nil)
		return fallback
	}
	return v
}

// Observe routes a pending failure through the pipeline on scope exit and
// leaves the categorized error behind. Use it with defer:
//
//	func load(ctx context.Context) (err error) {
//		defer h.Observe(&err, "load users")
//		...
//	}
func (h *Handler) Observe(errp *error, operation string) {
	if errp == nil || *errp == nil {
		return
	}
	e, _ := h.handle(context.Background(), *errp, operation, nil)
	*errp = e
}

// Scope is the functional form of Observe: it runs fn and routes its failure
// through the pipeline before returning it.
func (h *Handler) Scope(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		e, _ := h.handle(ctx, err, operation, nil)
		return e
	}
	return nil
}

// Summary reports the tracked failures since the last reset. All maps and
// slices are defensive copies.
func (h *Handler) Summary() *Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int64, len(h.counts))
	for k, v := range h.counts {
		counts[k] = v
	}
	categories := make(map[string]int64, len(h.categories))
	for k, v := range h.categories {
		categories[k] = v
	}

	recent := h.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := make([]*errors.Record, len(recent))
	copy(recentCopy, recent)

	return &Summary{
		TotalErrors:       h.total,
		ErrorCategories:   categories,
		ErrorCounts:       counts,
		RecentErrors:      recentCopy,
		ErrorThreshold:    h.cfg.ErrorThreshold,
		ThresholdExceeded: h.total >= int64(h.cfg.ErrorThreshold),
	}
}

// Reset clears every counter and the history in one step.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.counts = make(map[string]int64)
	h.categories = make(map[string]int64)
	h.history = nil
	h.total = 0
	h.mu.Unlock()

	h.logger.Info("error tracking reset")
}
