package errs

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Classification is the derived, ephemeral result of classifying an error.
// Its fields propagate into the persisted pipeline_errors record.
type Classification struct {
	ErrorType   string        `json:"error_type"`
	Category    Category      `json:"category"`
	IsTransient bool          `json:"is_transient"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// Classify maps an error onto the closed taxonomy. It is total: it never
// panics and always returns a member of the category set. The operation
// hint, when non-empty, is recorded as the error type for anonymous errors.
func Classify(err error, operation string) (cls Classification) {
	defer func() {
		// Inspection walks foreign error types; a misbehaving Error()
		// implementation must not take the scheduler down.
		if r := recover(); r != nil {
			cls = Classification{ErrorType: "classification_panic", Category: CategoryUnknown, IsTransient: true}
		}
	}()

	if err == nil {
		return Classification{
			ErrorType:   operation,
			Category:    CategoryUnknown,
			IsTransient: true,
		}
	}

	// Pre-classified errors pass through untouched.
	var tagged *Error
	if errors.As(err, &tagged) {
		return Classification{
			ErrorType:   string(tagged.Category),
			Category:    tagged.Category,
			IsTransient: tagged.Transient,
			RetryAfter:  tagged.RetryAfter,
		}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	if cls, ok := classifyTyped(err); ok {
		return cls
	}

	return classifyMessage(err, operation)
}

func classifyHTTP(err *HTTPError) Classification {
	cls := Classification{ErrorType: "http_error"}
	switch {
	case err.StatusCode == 401:
		cls.Category = CategoryAuthentication
	case err.StatusCode == 403:
		cls.Category = CategoryAuthorization
	case err.StatusCode == 404:
		cls.Category = CategoryNotFound
	case err.StatusCode == 408:
		cls.Category = CategoryTimeout
	case err.StatusCode == 429:
		cls.Category = CategoryRateLimit
		cls.RetryAfter = err.RetryAfter
	case err.StatusCode == 502 || err.StatusCode == 503 || err.StatusCode == 504:
		cls.Category = CategoryResourceExhausted
	case err.StatusCode >= 500:
		cls.Category = CategoryInternal
	default:
		cls.Category = CategoryUnknown
	}
	cls.IsTransient = IsTransient(cls.Category)
	return cls
}

// classifyTyped inspects well-known concrete error types before falling
// back to message matching.
func classifyTyped(err error) (Classification, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{ErrorType: "deadline_exceeded", Category: CategoryTimeout, IsTransient: true}, true
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Classification{ErrorType: "row_not_found", Category: CategoryNotFound, IsTransient: false}, true
	}

	// DNSError satisfies net.Error, so it has to be checked first to keep
	// its distinct type label.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{ErrorType: "dns_error", Category: CategoryNetwork, IsTransient: true}, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{ErrorType: "net_timeout", Category: CategoryTimeout, IsTransient: true}, true
		}
		return Classification{ErrorType: "net_error", Category: CategoryNetwork, IsTransient: true}, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr), true
	}

	return Classification{}, false
}

func classifyPostgres(pgErr *pgconn.PgError) Classification {
	cls := Classification{ErrorType: "pg_" + pgErr.Code}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
		// serialization failure, deadlock, lock not available
		cls.Category = CategoryDatabase
	case strings.HasPrefix(pgErr.Code, "08"):
		// connection exceptions
		cls.Category = CategoryDatabase
	case strings.HasPrefix(pgErr.Code, "23"):
		// integrity constraint violations come from bad input
		cls.Category = CategoryValidation
	case pgErr.Code == "57014":
		cls.Category = CategoryTimeout
	case pgErr.Code == "53100", pgErr.Code == "53200", pgErr.Code == "53300":
		// disk full, out of memory, too many connections
		cls.Category = CategoryResourceExhausted
	default:
		cls.Category = CategoryDatabase
	}
	cls.IsTransient = IsTransient(cls.Category)
	return cls
}

// messagePatterns maps lowercase substrings to categories. First match
// wins; order encodes precedence.
var messagePatterns = []struct {
	substr   string
	category Category
}{
	{"rate limit", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"throttl", CategoryRateLimit},
	{"deadline exceeded", CategoryTimeout},
	{"timed out", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"connection refused", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"network is unreachable", CategoryNetwork},
	{"no such host", CategoryNetwork},
	{"broken pipe", CategoryNetwork},
	{"deadlock", CategoryDatabase},
	{"serialization failure", CategoryDatabase},
	{"connection pool", CategoryDatabase},
	{"database", CategoryDatabase},
	{"out of memory", CategoryResourceExhausted},
	{"disk full", CategoryResourceExhausted},
	{"no space left", CategoryResourceExhausted},
	{"quota exceeded", CategoryResourceExhausted},
	{"unauthorized", CategoryAuthentication},
	{"authentication failed", CategoryAuthentication},
	{"forbidden", CategoryAuthorization},
	{"permission denied", CategoryAuthorization},
	{"not found", CategoryNotFound},
	{"validation failed", CategoryValidation},
	{"invalid argument", CategoryValidation},
	{"constraint violation", CategoryValidation},
}

func classifyMessage(err error, operation string) Classification {
	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.substr) {
			return Classification{
				ErrorType:   errorTypeName(err, operation),
				Category:    p.category,
				IsTransient: IsTransient(p.category),
			}
		}
	}
	return Classification{
		ErrorType:   errorTypeName(err, operation),
		Category:    CategoryUnknown,
		IsTransient: true,
	}
}

func errorTypeName(err error, operation string) string {
	if operation != "" {
		return operation
	}
	return "error"
}
