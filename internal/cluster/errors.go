package cluster

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error for the API boundary.
type ErrorKind int

const (
	// KindBadInput marks semantically invalid input (4xx, not retryable).
	KindBadInput ErrorKind = iota
	// KindBadRequest marks structurally invalid requests.
	KindBadRequest
	// KindNotFound marks missing collections, shards, points or snapshots.
	KindNotFound
	// KindServiceError marks internal failures (5xx).
	KindServiceError
	// KindTimeout marks operations that exceeded their deadline.
	KindTimeout
	// KindInconsistentShardFailure marks a multi-shard update where a proper
	// subset of the per-shard sub-operations failed.
	KindInconsistentShardFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadInput:
		return "BadInput"
	case KindBadRequest:
		return "BadRequest"
	case KindNotFound:
		return "NotFound"
	case KindServiceError:
		return "ServiceError"
	case KindTimeout:
		return "Timeout"
	case KindInconsistentShardFailure:
		return "InconsistentShardFailure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the typed error surfaced at the coordinator boundary.
//
// For KindInconsistentShardFailure, ShardsTotal and ShardsFailed carry the
// shape of the partial failure and Err holds the first underlying error.
// KindOf reports KindInconsistentShardFailure for the wrapper; the kind of
// the first error is read with KindOf(e.Err).
type Error struct {
	Err          error
	Description  string
	Kind         ErrorKind
	ShardsTotal  int
	ShardsFailed int
}

func (e *Error) Error() string {
	if e.Kind == KindInconsistentShardFailure {
		return fmt.Sprintf("%d out of %d shards failed to apply operation; first error: %v",
			e.ShardsFailed, e.ShardsTotal, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	}
	return e.Description
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewBadInput builds a KindBadInput error.
func NewBadInput(format string, args ...any) *Error {
	return &Error{Kind: KindBadInput, Description: fmt.Sprintf(format, args...)}
}

// NewBadRequest builds a KindBadRequest error.
func NewBadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Description: fmt.Sprintf(format, args...)}
}

// NewNotFound builds a KindNotFound error naming the missing entity.
func NewNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Description: fmt.Sprintf(format, args...) + " not found"}
}

// NewServiceError builds a KindServiceError error.
func NewServiceError(format string, args ...any) *Error {
	return &Error{Kind: KindServiceError, Description: fmt.Sprintf(format, args...)}
}

// WrapServiceError wraps err as a KindServiceError with context.
func WrapServiceError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindServiceError, Description: fmt.Sprintf(format, args...), Err: err}
}

// NewTimeout builds a KindTimeout error.
func NewTimeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Description: fmt.Sprintf(format, args...)}
}

// NewInconsistentShardFailure wraps firstErr as a partial multi-shard failure.
func NewInconsistentShardFailure(total, failed int, firstErr error) *Error {
	return &Error{
		Kind:         KindInconsistentShardFailure,
		ShardsTotal:  total,
		ShardsFailed: failed,
		Err:          firstErr,
	}
}

// KindOf extracts the ErrorKind of err, defaulting to KindServiceError for
// untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServiceError
}

// IsNotFound reports whether err is a KindNotFound Error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsTimeout reports whether err is a KindTimeout Error.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
