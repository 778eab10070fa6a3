// Package errors provides structured, categorized error handling for Magnetar.
//
// Every failure that crosses a package boundary is represented as an *Error
// carrying a category from a closed taxonomy, a machine-readable code, a
// free-form context map, and the creation timestamp. The handler package
// consumes these values to log, count, and escalate failures; the connection
// and extract packages produce them.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Category classifies a failure into the closed taxonomy. Branch sites that
// switch on Category (severity selection, retryability) enumerate every value.
type Category string

const (
	// CategoryConnection represents failures reaching or using the data store.
	CategoryConnection Category = "CONNECTION"
	// CategoryConfiguration represents invalid or missing configuration.
	CategoryConfiguration Category = "CONFIGURATION"
	// CategoryExtraction represents failures while reading source data.
	CategoryExtraction Category = "EXTRACTION"
	// CategoryTransformation represents failures while reshaping data.
	CategoryTransformation Category = "TRANSFORMATION"
	// CategoryLoading represents failures while writing data.
	CategoryLoading Category = "LOADING"
	// CategoryValidation represents rejected input or failed consistency checks.
	CategoryValidation Category = "VALIDATION"
	// CategoryUnknown represents failures that could not be classified.
	CategoryUnknown Category = "UNKNOWN"
)

// Code is the machine-readable error code paired with a category.
type Code string

const (
	CodeConnection     Code = "ETL_CONNECTION_ERROR"
	CodeConfiguration  Code = "ETL_CONFIG_ERROR"
	CodeExtraction     Code = "ETL_EXTRACTION_ERROR"
	CodeTransformation Code = "ETL_TRANSFORMATION_ERROR"
	CodeLoading        Code = "ETL_LOADING_ERROR"
	CodeValidation     Code = "ETL_VALIDATION_ERROR"
	CodeGeneric        Code = "ETL_GENERIC_ERROR"
)

// Severity is the log severity a category maps to.
type Severity string

const (
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// DefaultCode returns the code paired with the category.
func (c Category) DefaultCode() Code {
	switch c {
	case CategoryConnection:
		return CodeConnection
	case CategoryConfiguration:
		return CodeConfiguration
	case CategoryExtraction:
		return CodeExtraction
	case CategoryTransformation:
		return CodeTransformation
	case CategoryLoading:
		return CodeLoading
	case CategoryValidation:
		return CodeValidation
	case CategoryUnknown:
		return CodeGeneric
	default:
		return CodeGeneric
	}
}

// Severity returns the log severity for the category. Validation and
// transformation failures are recoverable data problems and log as warnings;
// everything else logs as an error.
func (c Category) Severity() Severity {
	switch c {
	case CategoryValidation, CategoryTransformation:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Error represents a categorized failure with context.
type Error struct {
	Category  Category
	Code      Code
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Stack     []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Record is the structured error record embedded in handler results and
// notification payloads.
type Record struct {
	Message   string                 `json:"message" yaml:"message"`
	Code      Code                   `json:"error_code" yaml:"error_code"`
	Category  Category               `json:"error_category" yaml:"error_category"`
	Context   map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds a key-value pair to the error's context. Context may be
// augmented only until the error is first logged or tracked.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// MergeContext copies every entry of m into the error's context.
func (e *Error) MergeContext(m map[string]interface{}) *Error {
	if len(m) == 0 {
		return e
	}
	if e.Context == nil {
		e.Context = make(map[string]interface{}, len(m))
	}
	for k, v := range m {
		e.Context[k] = v
	}
	return e
}

// Record returns the structured record for the error with a defensive copy of
// the context map.
func (e *Error) Record() *Record {
	var ctx map[string]interface{}
	if len(e.Context) > 0 {
		ctx = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
	}
	return &Record{
		Message:   e.Message,
		Code:      e.Code,
		Category:  e.Category,
		Context:   ctx,
		Timestamp: e.Timestamp,
	}
}

// StackString renders the captured stack one frame per line.
func (e *Error) StackString() string {
	var b strings.Builder
	for _, f := range e.Stack {
		b.WriteString(f.Function)
		b.WriteString("\n\t")
		b.WriteString(f.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.Line))
		b.WriteByte('\n')
	}
	return b.String()
}

// New creates a new error with the given category, its default code, and a
// captured stack.
func New(category Category, message string) *Error {
	return newError(category, category.DefaultCode(), message, nil, 3)
}

// Newf creates a new error with a formatted message.
func Newf(category Category, format string, args ...interface{}) *Error {
	return newError(category, category.DefaultCode(), fmt.Sprintf(format, args...), nil, 3)
}

// NewConnection creates a CONNECTION-category error.
func NewConnection(message string) *Error {
	return newError(CategoryConnection, CodeConnection, message, nil, 3)
}

// NewConfiguration creates a CONFIGURATION-category error.
func NewConfiguration(message string) *Error {
	return newError(CategoryConfiguration, CodeConfiguration, message, nil, 3)
}

// NewExtraction creates an EXTRACTION-category error.
func NewExtraction(message string) *Error {
	return newError(CategoryExtraction, CodeExtraction, message, nil, 3)
}

// NewTransformation creates a TRANSFORMATION-category error.
func NewTransformation(message string) *Error {
	return newError(CategoryTransformation, CodeTransformation, message, nil, 3)
}

// NewLoading creates a LOADING-category error.
func NewLoading(message string) *Error {
	return newError(CategoryLoading, CodeLoading, message, nil, 3)
}

// NewValidation creates a VALIDATION-category error.
func NewValidation(message string) *Error {
	return newError(CategoryValidation, CodeValidation, message, nil, 3)
}

// Wrap wraps an existing error with a category and message. Returns nil when
// err is nil. When err is already an *Error the original stack is preserved.
func Wrap(err error, category Category, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Category:  category,
			Code:      category.DefaultCode(),
			Message:   message,
			Cause:     err,
			Timestamp: time.Now(),
			Stack:     existing.Stack,
		}
	}

	return newError(category, category.DefaultCode(), message, err, 3)
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, category Category, format string, args ...interface{}) *Error {
	return Wrap(err, category, fmt.Sprintf(format, args...))
}

// Normalize returns err unchanged when it is already an *Error, and otherwise
// wraps it as an UNKNOWN-category error carrying the original failure as the
// cause. Returns nil for nil.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(CategoryUnknown, CodeGeneric, err.Error(), err, 3)
}

// GetCategory returns the category of err, digging through wrap chains, or
// CategoryUnknown when err carries no category.
func GetCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// IsCategory checks whether err carries the given category.
func IsCategory(err error, category Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == category
}

// IsRetryable reports whether the error is worth retrying. Only connection
// failures are considered transient by default.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == CategoryConnection
}

func newError(category Category, code Code, message string, cause error, skip int) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Stack:     captureStack(skip),
	}
}

// captureStack captures the current call stack.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
