package pipeline

import (
	"time"

	"github.com/techdocs/docpipe/pkg/errs"
)

// RetryPolicy configures retry behaviour for one (component, stage) pair.
// Policies are loaded from the database with a code default fallback and
// never mutated by the core at runtime.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
	RetryOn           map[errs.Category]bool
}

// DefaultRetryPolicy is the hard-coded fallback used when neither the
// cache nor the database has a policy row.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          300 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		RetryOn: map[errs.Category]bool{
			errs.CategoryNetwork:           true,
			errs.CategoryTimeout:           true,
			errs.CategoryRateLimit:         true,
			errs.CategoryDatabase:          true,
			errs.CategoryResourceExhausted: true,
			errs.CategoryUnknown:           true,
		},
	}
}

// Retries reports whether the policy retries the given category.
func (p RetryPolicy) Retries(c errs.Category) bool {
	return p.RetryOn[c]
}
