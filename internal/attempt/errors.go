package attempt

import (
	"errors"
	"fmt"
)

var (
	// ErrAttemptLimitReached indicates every allowed attempt has been used.
	ErrAttemptLimitReached = errors.New("attempt limit reached")
	// ErrDeadlinePassed indicates the assignment deadline is over.
	ErrDeadlinePassed = errors.New("assessment deadline has passed")
	// ErrManuallyGraded indicates a file submission was already graded by a teacher.
	ErrManuallyGraded = errors.New("submission already graded manually")
	// ErrSubmissionInFlight indicates another submission of the session is being persisted.
	ErrSubmissionInFlight = errors.New("submission already in progress")
	// ErrStartInFlight indicates another start of the session is still being recorded.
	ErrStartInFlight = errors.New("attempt start already in progress")
	// ErrAlreadySubmitted indicates the attempt was scored by another submission, usually
	// from a second device. The session shows the stored result instead.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrInvalidTransition indicates the operation is not available in the current state.
	ErrInvalidTransition = errors.New("operation not allowed in current session state")
	// ErrQuestionOutOfRange indicates an answer targets a question that does not exist.
	ErrQuestionOutOfRange = errors.New("question index out of range")
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("session closed")
)

// FetchError reports a failed read while resolving the session. The session keeps its
// last known state.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed write during submission. Nothing is marked scored
// and the in-memory answers are kept for a retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports an unusable assessment definition. Callers treat the
// definition as having no questions.
type ConfigurationError struct {
	AssessmentID uint
	Err          error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("assessment %d definition: %v", e.AssessmentID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// PolicyViolation rejects a start, submit or reattempt before anything is written.
type PolicyViolation struct {
	Reason          error
	AttemptCount    int
	AllowedAttempts int
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %v (%d of %d attempts used)", e.Reason, e.AttemptCount, e.AllowedAttempts)
}

func (e *PolicyViolation) Unwrap() error {
	return e.Reason
}

func violation(reason error, resolution Resolution) error {
	return &PolicyViolation{
		Reason:          reason,
		AttemptCount:    resolution.AttemptCount,
		AllowedAttempts: resolution.AllowedAttempts,
	}
}
