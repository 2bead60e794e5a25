package eventlog

import "fmt"

// Error is the domain error type for every operation in this module.
// Every error carries a stable Code so callers can branch on failure kind
// without string-matching Message.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Stable error codes, per the external-interfaces error payload convention.
const (
	CodeStreamClosed        = "ES_STREAM_CLOSED"
	CodeConcurrencyConflict = "ES_CONCURRENCY_CONFLICT"

	CodeConfigMissingDocumentStore = "ELFAES-CFG-0001"
	CodeConfigMissingDataStore     = "ELFAES-CFG-0002"
	CodeConfigMissingContainer     = "ELFAES-CFG-0003"
	CodeConfigNoFactoryMatch       = "ELFAES-CFG-0004"

	CodeValidationBadObjectID        = "ELFAES-VAL-0001"
	CodeValidationDocumentNotFound   = "ELFAES-VAL-0002"
	CodeValidationUnregisteredEvent  = "ELFAES-VAL-0003"
	CodeValidationVersionTokenMismatch = "ELFAES-VAL-0004"

	CodeBusinessConstraintViolation = "ELFAES-BIZ-0001"

	CodeCommitPartialFailure = "ELFAES-COMMIT-0002"
	CodePostCommitFailure    = "ELFAES-POSTCOMMIT-0001"
	CodeStaleDecision        = "ELFAES-STALE-0001"
)

// NewError builds an *Error with the given code, message and optional
// wrapped cause.
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// DocumentNotFound is returned by docstore.Get when no document exists for
// the requested (name, id).
func DocumentNotFound(name, id string) *Error {
	return NewError(CodeValidationDocumentNotFound, fmt.Sprintf("document %s/%s not found", name, id), nil)
}

// OptimisticConflict is returned whenever an entity-tag or byte-offset
// precondition is refused by a backend.
func OptimisticConflict(detail string, cause error) *Error {
	return NewError(CodeConcurrencyConflict, detail, cause)
}

// ContinuationInfo is carried by EventStreamClosedError so the caller can
// retarget to the successor stream.
type ContinuationInfo struct {
	StreamIdentifier          string
	ContinuationStreamID      string
	ContinuationStreamType    string
	ContinuationDataStore     string
	ContinuationDocumentStore string
	Reason                    string
}

// EventStreamClosedError is raised when an append targets a stream that has
// reached a backend hard limit or observed an EventStream.Closed event.
type EventStreamClosedError struct {
	ContinuationInfo
}

func (e *EventStreamClosedError) Error() string {
	if e.ContinuationStreamID != "" {
		return fmt.Sprintf("%s: stream %s closed (%s), continuation=%s", CodeStreamClosed, e.StreamIdentifier, e.Reason, e.ContinuationStreamID)
	}
	return fmt.Sprintf("%s: stream %s closed (%s)", CodeStreamClosed, e.StreamIdentifier, e.Reason)
}

// Code satisfies the stable-code error convention.
func (e *EventStreamClosedError) Code() string { return CodeStreamClosed }

// ConstraintViolation builds a business-constraint error
// (CodeBusinessConstraintViolation). session.Open takes only a create flag
// and checks no open constraint, so it never returns this error.
func ConstraintViolation(message string) *Error {
	return NewError(CodeBusinessConstraintViolation, message, nil)
}

// PostCommitFailure carries details of one or more failed post-commit
// hooks. Committed events are never rolled back because of this failure.
type PostCommitFailure struct {
	FailedActions        []string
	SucceededActions     []string
	CommittedEvents       []EventRecord
	CommittedVersionRange [2]int
	FirstError           error
}

func (e *PostCommitFailure) Error() string {
	return fmt.Sprintf("%s: %d post-commit hook(s) failed (first: %v)", CodePostCommitFailure, len(e.FailedActions), e.FirstError)
}

func (e *PostCommitFailure) Unwrap() error { return e.FirstError }

// CommitPartialFailure wraps both the original commit error and any error
// encountered while attempting to clean up after it.
type CommitPartialFailure struct {
	CommitErr  error
	CleanupErr error
}

func (e *CommitPartialFailure) Error() string {
	return fmt.Sprintf("%s: commit failed (%v), cleanup failed (%v)", CodeCommitPartialFailure, e.CommitErr, e.CleanupErr)
}

func (e *CommitPartialFailure) Unwrap() error { return e.CommitErr }
