// Package apperr defines the runtime's error kinds. Components return
// plain wrapped errors; boundary translators (HTTP handlers, the gateway's
// frame writer) classify them back to a kind with ClassifyOf() and map that to
// a wire status or error code.
package apperr

import "errors"

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", ErrX) so
// errors.Is still matches at any boundary.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrExpired       = errors.New("expired")
	ErrAccessDenied  = errors.New("access denied")
	ErrValidation    = errors.New("validation failed")
	ErrAuth          = errors.New("auth error")
	ErrRateLimited   = errors.New("rate limited")
	ErrTransient     = errors.New("transient upstream error")
	ErrTransform     = errors.New("transform error")
	ErrTimeout       = errors.New("timeout")
	ErrCancelled     = errors.New("cancelled")
	ErrInternal      = errors.New("internal error")
)

// Kind is the wire-stable name for one of the sentinel errors above.
type Kind string

const (
	KindNotFound      Kind = "NotFound"
	KindAlreadyExists Kind = "AlreadyExists"
	KindQuotaExceeded Kind = "QuotaExceeded"
	KindExpired       Kind = "Expired"
	KindAccessDenied  Kind = "AccessDenied"
	KindValidation    Kind = "Validation"
	KindAuth          Kind = "Auth"
	KindRateLimited   Kind = "RateLimited"
	KindTransient     Kind = "Transient"
	KindTransform     Kind = "Transform"
	KindTimeout       Kind = "Timeout"
	KindCancelled     Kind = "Cancelled"
	KindInternal      Kind = "Internal"
)

var order = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrExpired, KindExpired},
	{ErrAccessDenied, KindAccessDenied},
	{ErrValidation, KindValidation},
	{ErrAuth, KindAuth},
	{ErrRateLimited, KindRateLimited},
	{ErrTransient, KindTransient},
	{ErrTransform, KindTransform},
	{ErrTimeout, KindTimeout},
	{ErrCancelled, KindCancelled},
	{ErrInternal, KindInternal},
}

// ClassifyOf returns the kind of err by walking its wrap chain against the
// sentinel set, falling back to Internal for errors of unknown provenance.
func ClassifyOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, c := range order {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}

// RetryAfter is attached to a RateLimited error via errors.As when the
// upstream supplied a Retry-After hint.
type RetryAfter struct {
	Seconds int
	inner   error
}

func (e *RetryAfter) Error() string { return e.inner.Error() }
func (e *RetryAfter) Unwrap() error { return e.inner }

// NewRateLimited wraps ErrRateLimited with a retry-after hint, defaulting
// to 60s when the upstream didn't provide one or it couldn't be parsed.
func NewRateLimited(seconds int, msg string) error {
	if seconds <= 0 {
		seconds = 60
	}
	return &RetryAfter{Seconds: seconds, inner: wrapf(ErrRateLimited, msg)}
}

func wrapf(kind error, msg string) error {
	if msg == "" {
		return kind
	}
	return &kindError{kind: kind, msg: msg}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Wrap attaches msg to one of the sentinel kinds above while keeping it
// matchable with errors.Is.
func Wrap(kind error, msg string) error { return wrapf(kind, msg) }
