// Package faults defines the error taxonomy shared by the retrieval core.
// Every error that crosses a component boundary is classified into a Kind so
// callers can decide between retry, fallback, and fail-closed behaviour
// without string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies a failure for recovery decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransientUpstream covers timeouts, 429s and 5xx responses from
	// external providers. Safe to retry with backoff.
	KindTransientUpstream
	// KindPermanentUpstream covers 4xx responses (except 429) and schema
	// violations. Retrying will not help.
	KindPermanentUpstream
	// KindEmbedFailure marks a failed embedding call during ingestion after
	// the retry budget is exhausted.
	KindEmbedFailure
	// KindIndexWriteFailure marks a failed index mutation. The worker must
	// leave both indices consistent before surfacing it.
	KindIndexWriteFailure
	// KindTenantScopeViolation marks a data-plane call that was missing its
	// tenant scope. Always fail-closed.
	KindTenantScopeViolation
	// KindQuotaExceeded is an external quota rejection, surfaced verbatim.
	KindQuotaExceeded
	// KindCancelled marks caller-initiated cancellation. Not user-visible.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransientUpstream:
		return "transient_upstream"
	case KindPermanentUpstream:
		return "permanent_upstream"
	case KindEmbedFailure:
		return "embed_failure"
	case KindIndexWriteFailure:
		return "index_write_failure"
	case KindTenantScopeViolation:
		return "tenant_scope_violation"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fault wraps an underlying error with its classification, the operation
// that produced it, and a correlation id for log/response matching.
type Fault struct {
	Kind          Kind
	Op            string
	CorrelationID string
	Err           error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Sanitized returns the caller-facing form: classification and correlation
// id only, never upstream bodies or stack traces.
func (f *Fault) Sanitized() string {
	return fmt.Sprintf("%s (correlation_id=%s)", f.Kind, f.CorrelationID)
}

// Message returns the concise "{Kind}: {detail}" form persisted on failed
// jobs.
func (f *Fault) Message() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// New builds a Fault with a fresh correlation id.
func New(kind Kind, op string, err error) *Fault {
	// Reuse the correlation id when wrapping an already-classified error so
	// logs across layers line up.
	var inner *Fault
	cid := ""
	if errors.As(err, &inner) {
		cid = inner.CorrelationID
	}
	if cid == "" {
		cid = uuid.NewString()
	}
	return &Fault{Kind: kind, Op: op, CorrelationID: cid, Err: err}
}

// Transient wraps err as a retryable upstream failure.
func Transient(op string, err error) *Fault { return New(KindTransientUpstream, op, err) }

// Permanent wraps err as a non-retryable upstream failure.
func Permanent(op string, err error) *Fault { return New(KindPermanentUpstream, op, err) }

// TenantScope builds the fail-closed fault for a missing tenant scope.
func TenantScope(op string) *Fault {
	return New(KindTenantScopeViolation, op, errors.New("missing tenant scope"))
}

// KindOf extracts the classification from an error chain. Context
// cancellation maps to KindCancelled and deadline expiry to
// KindTransientUpstream even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientUpstream
	}
	return KindUnknown
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientUpstream
}

// IsCancelled reports whether the error chain is a caller cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled || errors.Is(err, context.Canceled)
}

// ClassifyStatus maps an upstream HTTP status onto the taxonomy. 402 is how
// the reference providers report exhausted quota.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindTransientUpstream
	case code >= 500:
		return KindTransientUpstream
	case code == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case code >= 400:
		return KindPermanentUpstream
	default:
		return KindUnknown
	}
}

// CorrelationID pulls the correlation id off an error chain, or "" when the
// error never passed through a Fault.
func CorrelationID(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.CorrelationID
	}
	return ""
}
