// Package fleeterr defines the director error taxonomy.
//
// Every error raised by orchestration code carries a numeric code (stable
// across releases, surfaced to API clients) and a Kind that callers match
// with errors.Is against the sentinels below.
package fleeterr

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidState
	KindLockTimeout
	KindTransient
	KindCancelled
	KindValidation
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindLockTimeout:
		return "lock_timeout"
	case KindTransient:
		return "transient"
	case KindCancelled:
		return "cancelled"
	case KindValidation:
		return "validation"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

// Sentinel errors, one per Kind.
var (
	// ErrNotFound indicates a task, instance, release, stemcell or disk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the requested transition is not allowed from the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrLockTimeout indicates a named lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrTransient indicates an infrastructure failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrCancelled indicates the task observed a cancellation request at a checkpoint.
	ErrCancelled = errors.New("task cancelled")

	// ErrValidation indicates invalid input (manifest, arguments, configuration).
	ErrValidation = errors.New("validation failed")
)

// Error codes. Values match the director's public error numbering.
const (
	CodeLockTimeout                            = 100
	CodeTaskNotFound                           = 10000
	CodeTaskCancelled                          = 10001
	CodeTaskInvalidState                       = 10002
	CodeReleaseAlreadyExists                   = 30001
	CodeReleaseNotFound                        = 30005
	CodeReleaseVersionNotFound                 = 30006
	CodeReleaseInUse                           = 30007
	CodeReleaseVersionInUse                    = 30008
	CodeStemcellAlreadyExists                  = 50002
	CodeStemcellNotFound                       = 50003
	CodeStemcellInUse                          = 50004
	CodeDeploymentNotFound                     = 70000
	CodeInstanceNotFound                       = 70001
	CodeInstanceVMMissing                      = 70004
	CodeJobTemplateBindingFailed               = 80006
	CodeResourceNotFound                       = 100002
	CodeNetworkReservationAlreadyInUse         = 130008
	CodeNetworkReservationNotEnoughCapacity    = 130011
	CodeNetworkReservationIPOutsideSubnet      = 130012
	CodeInstanceGroupUnknownRelease            = 140002
	CodeInstanceGroupUnknownVMType             = 140004
	CodeInstanceGroupUnknownStemcell           = 140005
	CodeInstanceGroupInvalidInstanceState      = 140007
	CodeJobMissingNetwork                      = 140009
	CodeJobInvalidLifecycle                    = 140011
	CodeInstanceGroupUnknownDiskType           = 140012
	CodeJobMissingLink                         = 140014
	CodeJobInstanceIgnored                     = 140021
	CodeDeploymentIgnoredInstancesModification = 190020
	CodeDeploymentIgnoredInstancesDeletion     = 190021
	CodeCloudDiskMissing                       = 390002
	CodeAgentJobNotRunning                     = 400007
	CodeAgentJobNotStopped                     = 400008
	CodeBadManifest                            = 440001
	CodeRPCRemoteException                     = 450001
	CodeRPCTimeout                             = 450002
	CodeSystemError                            = 500000
	CodeRunErrandError                         = 510000
	CodeAttachDiskErrorUnknownInstance         = 520001
	CodeAttachDiskNoPersistentDisk             = 520002
	CodeAttachDiskInvalidInstanceState         = 520003
	CodeVariableGenerationError                = 540005
	CodeLinkLookupError                        = 810000
)

// Error is a coded director error.
type Error struct {
	// Code is the stable numeric error code.
	Code int

	// Kind drives errors.Is matching against the package sentinels.
	Kind Kind

	// Message is the human-readable summary written to the task result.
	Message string

	// Err is an optional underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	case ErrLockTimeout:
		return e.Kind == KindLockTimeout
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// New builds a coded error with a formatted message.
func New(code int, kind Kind, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around cause.
func Wrap(code int, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(code int, format string, args ...any) *Error {
	return New(code, KindNotFound, format, args...)
}

func InvalidState(code int, format string, args ...any) *Error {
	return New(code, KindInvalidState, format, args...)
}

func Validation(code int, format string, args ...any) *Error {
	return New(code, KindValidation, format, args...)
}

// Cancelled is returned by task checkpoints once cancellation was requested.
func Cancelled(taskID int64) *Error {
	return New(CodeTaskCancelled, KindCancelled, "Task %d cancelled", taskID)
}

// LockTimeout reports a lock that could not be acquired.
func LockTimeout(name string, holder string) *Error {
	if holder != "" {
		return New(CodeLockTimeout, KindLockTimeout, "Failed to acquire lock for %s. Locking task id is %s", name, holder)
	}
	return New(CodeLockTimeout, KindLockTimeout, "Failed to acquire lock for %s", name)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeSystemError.
func CodeOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeSystemError
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCancelled reports whether err carries a cancellation signal.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Multi aggregates per-item failures of a batch. Append is safe for
// concurrent use.
type Multi struct {
	Op     string
	Errors []error

	mu sync.Mutex
}

// Append records a failed item. Nil errors are ignored.
func (m *Multi) Append(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.Errors = append(m.Errors, err)
	m.mu.Unlock()
}

func (m *Multi) Error() string {
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	msg := fmt.Sprintf("%s: %d error(s)", m.Op, len(m.Errors))
	for _, err := range m.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Unwrap exposes every item error to errors.Is/As.
func (m *Multi) Unwrap() []error {
	return m.Errors
}

// ErrorOrNil returns nil when no item failed.
func (m *Multi) ErrorOrNil() error {
	if m == nil || len(m.Errors) == 0 {
		return nil
	}
	return m
}
