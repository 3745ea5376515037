package toolerr

import (
	"context"
	"errors"
	"net"
)

// Classify converts any error into an [*Error].
//
// An [*Error] anywhere in the chain is returned as is, with tool filled in
// when it was missing. Deadline expiry and network timeouts become
// [KindTimeout]; context cancellation becomes [KindTimeout] with
// details.reason = "cancelled". Everything else becomes [KindInternal] with a
// generic message and err kept as the unwrapped cause.
func Classify(tool string, err error) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		if te.Tool == "" {
			return te.WithTool(tool)
		}
		return te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, tool, "the operation exceeded its deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		e := Wrap(KindTimeout, tool, "the invocation was cancelled", err)
		e.Details["reason"] = "cancelled"
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, tool, "the upstream request timed out", err)
	}

	return NewInternal(tool, err)
}

// KindOf returns the [Kind] of err, or [KindInternal] when err carries no
// classification.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an [*Error] of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}
