package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	before := time.Now()
	err := New(CategoryConnection, "connect failed")
	after := time.Now()

	require.NotNil(t, err)
	assert.Equal(t, CategoryConnection, err.Category)
	assert.Equal(t, CodeConnection, err.Code)
	assert.Equal(t, "connect failed", err.Message)
	assert.Nil(t, err.Cause)
	assert.False(t, err.Timestamp.Before(before))
	assert.False(t, err.Timestamp.After(after))
	assert.NotEmpty(t, err.Stack)
}

func TestCategoryConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		category Category
		code     Code
	}{
		{"connection", NewConnection("x"), CategoryConnection, CodeConnection},
		{"configuration", NewConfiguration("x"), CategoryConfiguration, CodeConfiguration},
		{"extraction", NewExtraction("x"), CategoryExtraction, CodeExtraction},
		{"transformation", NewTransformation("x"), CategoryTransformation, CodeTransformation},
		{"loading", NewLoading("x"), CategoryLoading, CodeLoading},
		{"validation", NewValidation("x"), CategoryValidation, CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.err.Category)
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(CategoryValidation, "bad row")
	assert.Equal(t, "VALIDATION: bad row", err.Error())

	wrapped := Wrap(fmt.Errorf("boom"), CategoryLoading, "insert failed")
	assert.Equal(t, "LOADING: insert failed: boom", wrapped.Error())
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := Wrap(cause, CategoryConnection, "query failed")

	require.NotNil(t, err)
	assert.Equal(t, CategoryConnection, err.Category)
	assert.Equal(t, CodeConnection, err.Code)
	assert.True(t, stderrors.Is(err, cause))
	assert.NotEmpty(t, err.Stack)

	assert.Nil(t, Wrap(nil, CategoryConnection, "ignored"))
}

func TestWrapPreservesOriginalStack(t *testing.T) {
	inner := NewExtraction("read failed")
	outer := Wrap(inner, CategoryLoading, "stage failed")

	require.NotEmpty(t, inner.Stack)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, stderrors.Is(outer, inner))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	raw := fmt.Errorf("unexpected fault")
	e := Normalize(raw)
	require.NotNil(t, e)
	assert.Equal(t, CategoryUnknown, e.Category)
	assert.Equal(t, CodeGeneric, e.Code)
	assert.Equal(t, "unexpected fault", e.Message)
	assert.True(t, stderrors.Is(e, raw))

	// Already categorized errors pass through untouched.
	conn := NewConnection("timeout")
	assert.Same(t, conn, Normalize(conn))

	// Categorized errors buried in a plain wrap chain are recovered.
	buried := fmt.Errorf("outer: %w", conn)
	assert.Same(t, conn, Normalize(buried))
}

func TestGetCategory(t *testing.T) {
	assert.Equal(t, CategoryValidation, GetCategory(NewValidation("v")))
	assert.Equal(t, CategoryUnknown, GetCategory(fmt.Errorf("plain")))
	assert.Equal(t, CategoryConnection, GetCategory(fmt.Errorf("wrap: %w", NewConnection("c"))))
}

func TestIsCategory(t *testing.T) {
	err := NewLoading("copy failed")
	assert.True(t, IsCategory(err, CategoryLoading))
	assert.False(t, IsCategory(err, CategoryConnection))
	assert.False(t, IsCategory(fmt.Errorf("plain"), CategoryLoading))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewConnection("reset")))
	assert.False(t, IsRetryable(NewConfiguration("bad config")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWithContext(t *testing.T) {
	err := NewExtraction("read failed").
		WithContext("table", "orders").
		WithContext("attempt", 2)

	assert.Equal(t, "orders", err.Context["table"])
	assert.Equal(t, 2, err.Context["attempt"])

	err.MergeContext(map[string]interface{}{"attempt": 3, "operation": "extract"})
	assert.Equal(t, 3, err.Context["attempt"])
	assert.Equal(t, "extract", err.Context["operation"])

	// Merging nothing is a no-op.
	err.MergeContext(nil)
	assert.Len(t, err.Context, 3)
}

func TestRecordDefensiveCopy(t *testing.T) {
	err := NewConnection("down").WithContext("host", "h")
	rec := err.Record()

	require.NotNil(t, rec)
	assert.Equal(t, "down", rec.Message)
	assert.Equal(t, CodeConnection, rec.Code)
	assert.Equal(t, CategoryConnection, rec.Category)
	assert.Equal(t, err.Timestamp, rec.Timestamp)

	rec.Context["host"] = "tampered"
	assert.Equal(t, "h", err.Context["host"])
}

func TestSeverityMapping(t *testing.T) {
	tests := []struct {
		category Category
		severity Severity
	}{
		{CategoryConnection, SeverityError},
		{CategoryConfiguration, SeverityError},
		{CategoryExtraction, SeverityError},
		{CategoryTransformation, SeverityWarning},
		{CategoryLoading, SeverityError},
		{CategoryValidation, SeverityWarning},
		{CategoryUnknown, SeverityError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.severity, tt.category.Severity(), "category %s", tt.category)
	}
}

func TestDefaultCodes(t *testing.T) {
	assert.Equal(t, CodeConnection, CategoryConnection.DefaultCode())
	assert.Equal(t, CodeConfiguration, CategoryConfiguration.DefaultCode())
	assert.Equal(t, CodeExtraction, CategoryExtraction.DefaultCode())
	assert.Equal(t, CodeTransformation, CategoryTransformation.DefaultCode())
	assert.Equal(t, CodeLoading, CategoryLoading.DefaultCode())
	assert.Equal(t, CodeValidation, CategoryValidation.DefaultCode())
	assert.Equal(t, CodeGeneric, CategoryUnknown.DefaultCode())
	assert.Equal(t, CodeGeneric, Category("bogus").DefaultCode())
}

func TestStackString(t *testing.T) {
	err := NewValidation("v")
	s := err.StackString()
	assert.True(t, strings.Contains(s, "TestStackString"), "stack should name the creating function:\n%s", s)
}
