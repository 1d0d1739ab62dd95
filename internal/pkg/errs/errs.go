package errs

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable marks the queue backend as unreachable. Callers
	// back off and retry; the enqueuer reverts the task to queued.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrStorePutFailed marks a transient persistence-store write failure.
	ErrStorePutFailed = errors.New("store put failed")

	// ErrStorageIO marks a transient object-storage read/write failure.
	ErrStorageIO = errors.New("storage io failure")

	// ErrUnknownTaskKind is fatal before submission: the task never reaches
	// the queue.
	ErrUnknownTaskKind = errors.New("unknown task kind")

	// ErrMalformedPayload is fatal before submission.
	ErrMalformedPayload = errors.New("malformed task payload")

	// ErrMalformedPlan is fatal before submission: the built plan failed
	// validation.
	ErrMalformedPlan = errors.New("malformed flow plan")

	// ErrTerminalConflict is returned by the task mirror when a second
	// terminal write names a different terminal status.
	ErrTerminalConflict = errors.New("terminal status conflict")
)

// StepError carries a handler error with its retry classification. Handlers
// wrap their failures with Permanent or Transient; unwrapped errors are
// treated as transient so infrastructure blips get the retry policy.
type StepError struct {
	Err       error
	Permanent bool
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return "step failed"
	}
	return e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable handler failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Err: err, Permanent: true}
}

// Transient wraps err as a retryable handler failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Err: err, Permanent: false}
}

// IsPermanent reports whether err was classified as non-retryable. Plan
// build errors count as permanent: retrying them cannot help.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Permanent
	}
	if errors.Is(err, ErrUnknownTaskKind) || errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrMalformedPlan) {
		return true
	}
	return false
}

// IsPlanBuild reports whether err belongs to the plan-build family, which is
// fatal to the task before anything reaches the queue.
func IsPlanBuild(err error) bool {
	return errors.Is(err, ErrUnknownTaskKind) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMalformedPlan)
}

// RetryableGRPC classifies upstream API errors. Unavailable, resource
// exhaustion, deadline and internal errors are worth another attempt;
// anything else (InvalidArgument, NotFound, PermissionDenied...) is not.
func RetryableGRPC(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

// RetryableStore classifies persistence-store errors for the mirror's
// bounded retry loop. Connection-class postgres errors, network errors and
// deadline expiry retry; constraint violations and the like do not.
func RetryableStore(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (shutdown). Class 40001: serialization failure.
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "57":
			return true
		case pgErr.Code == "40001":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrStorePutFailed)
}
