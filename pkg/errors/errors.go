package apperrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Standardized platform errors
var (
	ErrDuplicateRef    = errors.New("duplicate reference")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrBatchNotActive  = errors.New("batch not active")
	ErrOrderTerminal   = errors.New("order in terminal status")
	ErrOrderOrphaned   = errors.New("order orphaned")
	ErrStalePrice      = errors.New("stale price")
	ErrPriceMiss       = errors.New("price unavailable")
	ErrUnknownProduct  = errors.New("unknown product")
	ErrShuttingDown    = errors.New("service shutting down")
	ErrLeaseHeld       = errors.New("lease held by another owner")
	ErrTopicNotFound   = errors.New("topic not found")
	ErrProducerClosed  = errors.New("producer closed")
	ErrConsumerClosed  = errors.New("consumer closed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Code identifies an error class. Codes are namespaced strings with a numeric
// suffix; the retry layer consults the retryable flag bound to the code, never
// the message text.
type Code string

const (
	CodeMSPMUnavailable     Code = "MSPM_UNAVAILABLE-101"
	CodeFeedTimeout         Code = "FEED_TIMEOUT-102"
	CodeSnapshotMalformed   Code = "SNAPSHOT_MALFORMED-103"
	CodeValidationFailed    Code = "VALIDATION_FAILED-201"
	CodeZeroPriceDetected   Code = "ZERO_PRICE_DETECTED-202"
	CodeInvalidCurrency     Code = "INVALID_CURRENCY-203"
	CodeZeroQuantity        Code = "ZERO_QUANTITY-204"
	CodeUnknownProduct      Code = "UNKNOWN_PRODUCT-205"
	CodeDBUnavailable       Code = "DB_UNAVAILABLE-301"
	CodeDBTimeout           Code = "DB_TIMEOUT-302"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION-303"
	CodeDBDeadlock          Code = "DB_DEADLOCK-304"
	CodeBatchConflict       Code = "BATCH_CONFLICT-305"
	CodeBatchNotFound       Code = "BATCH_NOT_FOUND-401"
	CodeOrderTerminal       Code = "ORDER_TERMINAL-402"
	CodeOrderOrphaned       Code = "ORPHANED_ORDER-403"
	CodeIdempotencyViolation Code = "IDEMPOTENCY_VIOLATION-404"
	CodePublishFailed       Code = "PUBLISH_FAILED-501"
	CodeConsumeParseError   Code = "CONSUME_PARSE_ERROR-502"
	CodeCacheUnavailable    Code = "CACHE_UNAVAILABLE-601"
	CodeStalePrice          Code = "STALE_PRICE-602"
	CodePriceMiss           Code = "PRICE_MISS-603"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN-701"
	CodeRateLimited         Code = "RATE_LIMITED-702"
	CodeDependencyTimeout   Code = "DEPENDENCY_TIMEOUT-703"
)

var retryableCodes = map[Code]bool{
	CodeMSPMUnavailable:   true,
	CodeFeedTimeout:       true,
	CodeDBUnavailable:     true,
	CodeDBTimeout:         true,
	CodeDBDeadlock:        true,
	CodeBatchConflict:     true,
	CodePublishFailed:     true,
	CodeCacheUnavailable:  true,
	CodeCircuitOpen:       true,
	CodeRateLimited:       true,
	CodeDependencyTimeout: true,
}

// Retryable reports whether the code class may be retried with backoff.
func (c Code) Retryable() bool { return retryableCodes[c] }

// Coded attaches a platform error code and optional context to an error.
type Coded struct {
	Code    Code
	Err     error
	Context map[string]interface{}
}

func (e *Coded) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

func (e *Coded) Unwrap() error { return e.Err }

// Retryable reports whether the wrapped error class may be retried.
func (e *Coded) Retryable() bool { return e.Code.Retryable() }

// With returns a copy of the error with an added context key.
func (e *Coded) With(key string, value interface{}) *Coded {
	ctx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Coded{Code: e.Code, Err: e.Err, Context: ctx}
}

// New builds a coded error from a message.
func New(code Code, msg string) *Coded {
	return &Coded{Code: code, Err: errors.New(msg)}
}

// Newf builds a coded error from a format string.
func Newf(code Code, format string, args ...interface{}) *Coded {
	return &Coded{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code to an existing error. Wrapping nil returns nil.
func Wrap(code Code, err error) *Coded {
	if err == nil {
		return nil
	}
	return &Coded{Code: code, Err: err}
}

// CodeOf extracts the platform code from an error chain.
func CodeOf(err error) (Code, bool) {
	var coded *Coded
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// IsRetryable reports whether the error carries a retryable code. Errors
// without a code are treated as non-retryable so that unknown failures are
// surfaced instead of looped.
func IsRetryable(err error) bool {
	if code, ok := CodeOf(err); ok {
		return code.Retryable()
	}
	return false
}
