// Package errs defines the closed error taxonomy of the pipeline core and
// the classifier that maps arbitrary errors onto it.
package errs

import (
	"fmt"
	"time"
)

// Category is one of the eleven closed error categories. Adding a category
// is a deliberate change: retry policies reference categories by name.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryRateLimit         Category = "rate_limit"
	CategoryAuthentication    Category = "authentication"
	CategoryAuthorization     Category = "authorization"
	CategoryDatabase          Category = "database"
	CategoryValidation        Category = "validation"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryNotFound          Category = "not_found"
	CategoryInternal          Category = "internal"
	CategoryUnknown           Category = "unknown"
)

// Categories lists every member of the closed set.
var Categories = []Category{
	CategoryNetwork,
	CategoryTimeout,
	CategoryRateLimit,
	CategoryAuthentication,
	CategoryAuthorization,
	CategoryDatabase,
	CategoryValidation,
	CategoryResourceExhausted,
	CategoryNotFound,
	CategoryInternal,
	CategoryUnknown,
}

// transientByCategory tags each category with its default transience.
var transientByCategory = map[Category]bool{
	CategoryNetwork:           true,
	CategoryTimeout:           true,
	CategoryRateLimit:         true,
	CategoryAuthentication:    false,
	CategoryAuthorization:     false,
	CategoryDatabase:          true,
	CategoryValidation:        false,
	CategoryResourceExhausted: true,
	CategoryNotFound:          false,
	CategoryInternal:          false,
	CategoryUnknown:           true,
}

// IsTransient reports the default transience of a category. Unknown
// categories are treated as transient so a single retry stays harmless.
func IsTransient(c Category) bool {
	transient, ok := transientByCategory[c]
	if !ok {
		return true
	}
	return transient
}

// Error is a pre-classified pipeline error. Stage processors and internal
// components raise it when they already know the category; the classifier
// passes these fields through untouched.
type Error struct {
	Category   Category
	Message    string
	Transient  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a pre-classified error with the category's default transience.
func New(category Category, message string) *Error {
	return &Error{
		Category:  category,
		Message:   message,
		Transient: IsTransient(category),
	}
}

// Newf creates a pre-classified error with a formatted message.
func Newf(category Category, format string, args ...interface{}) *Error {
	return New(category, fmt.Sprintf(format, args...))
}

// Wrap attaches a category to an existing error.
func Wrap(err error, category Category, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Category:  category,
		Message:   message,
		Transient: IsTransient(category),
		Cause:     err,
	}
}

// WithRetryAfter sets an explicit throttle hint, as carried by HTTP 429
// responses. The retry orchestrator raises its base delay to at least this.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Convenience constructors for the common categories.

func Network(message string) *Error    { return New(CategoryNetwork, message) }
func Timeout(message string) *Error    { return New(CategoryTimeout, message) }
func RateLimit(message string) *Error  { return New(CategoryRateLimit, message) }
func Validation(message string) *Error { return New(CategoryValidation, message) }
func NotFound(message string) *Error   { return New(CategoryNotFound, message) }
func Internal(message string) *Error   { return New(CategoryInternal, message) }
func Database(message string) *Error   { return New(CategoryDatabase, message) }

// HTTPError carries an upstream HTTP status code so the classifier can map
// 401/403/404/429/5xx responses without string matching.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
