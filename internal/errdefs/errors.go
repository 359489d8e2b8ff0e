// Package errdefs defines the error taxonomy for container runtime failures.
//
// Raw errors from the Docker client are classified into a fixed set of typed
// errors via Classify. Each type carries a stable code, a retryability flag,
// and a sanitized user-facing message; raw daemon error text never reaches an
// untrusted peer. Classification is idempotent: an error already in the
// taxonomy passes through Classify unchanged.
package errdefs

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/logutil"
	dockererrdefs "github.com/containerd/errdefs"
)

// Code identifies an error class on the wire and in logs.
type Code string

const (
	CodeCreation     Code = "creation_failed"
	CodeNotFound     Code = "not_found"
	CodeDaemon       Code = "daemon_unavailable"
	CodeStreamAttach Code = "stream_attach_failed"
	CodeExecution    Code = "execution_failed"
	CodeState        Code = "invalid_state"
	CodeRateLimit    Code = "rate_limited"
	CodePolicy       Code = "policy_rejected"
)

// ContainerError is implemented by every member of the taxonomy.
type ContainerError interface {
	error
	Code() Code
	Retryable() bool
	// UserMessage returns the sanitized message suitable for an untrusted peer.
	UserMessage() string
}

// CreationCause distinguishes creation failures that need distinct user messages.
type CreationCause string

const (
	CauseImageMissing CreationCause = "image_missing"
	CauseDiskSpace    CreationCause = "disk_space"
	CauseMemory       CreationCause = "memory"
	CauseOther        CreationCause = "other"
)

// CreationError is a non-retryable failure to create a sandbox container.
type CreationError struct {
	Cause CreationCause
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("container creation failed (%s): %v", e.Cause, e.Err)
}
func (e *CreationError) Unwrap() error   { return e.Err }
func (e *CreationError) Code() Code      { return CodeCreation }
func (e *CreationError) Retryable() bool { return false }
func (e *CreationError) UserMessage() string {
	switch e.Cause {
	case CauseImageMissing:
		return "The requested container image could not be found."
	case CauseDiskSpace:
		return "The server is out of disk space; the sandbox could not be created."
	case CauseMemory:
		return "The server is out of memory; the sandbox could not be created."
	default:
		return "The sandbox could not be created."
	}
}

// NotFoundError is terminal: the client must start a new session.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}
func (e *NotFoundError) Code() Code      { return CodeNotFound }
func (e *NotFoundError) Retryable() bool { return false }
func (e *NotFoundError) UserMessage() string {
	return fmt.Sprintf("The %s no longer exists. Start a new session.", e.Resource)
}

// DaemonError covers connectivity and timeout failures talking to the runtime.
type DaemonError struct {
	Err error
}

func (e *DaemonError) Error() string       { return fmt.Sprintf("container daemon unavailable: %v", e.Err) }
func (e *DaemonError) Unwrap() error       { return e.Err }
func (e *DaemonError) Code() Code          { return CodeDaemon }
func (e *DaemonError) Retryable() bool     { return true }
func (e *DaemonError) UserMessage() string { return "The container runtime is temporarily unavailable." }

// StreamAttachmentError is a non-retryable failure to attach an exec stream.
type StreamAttachmentError struct {
	Err error
}

func (e *StreamAttachmentError) Error() string   { return fmt.Sprintf("stream attach failed: %v", e.Err) }
func (e *StreamAttachmentError) Unwrap() error   { return e.Err }
func (e *StreamAttachmentError) Code() Code      { return CodeStreamAttach }
func (e *StreamAttachmentError) Retryable() bool { return false }
func (e *StreamAttachmentError) UserMessage() string {
	return "Could not attach to the sandbox shell."
}

// ExecutionError is the catch-all for unclassified runtime failures.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string       { return fmt.Sprintf("execution failed: %v", e.Err) }
func (e *ExecutionError) Unwrap() error       { return e.Err }
func (e *ExecutionError) Code() Code          { return CodeExecution }
func (e *ExecutionError) Retryable() bool     { return false }
func (e *ExecutionError) UserMessage() string { return "The operation failed." }

// StateError reports a state conflict; retryability is explicit per instance.
type StateError struct {
	Msg      string
	CanRetry bool
}

func (e *StateError) Error() string       { return fmt.Sprintf("state conflict: %s", e.Msg) }
func (e *StateError) Code() Code          { return CodeState }
func (e *StateError) Retryable() bool     { return e.CanRetry }
func (e *StateError) UserMessage() string { return "The session is not in a valid state for this operation." }

// RateLimitError is retryable after the advertised reset time.
type RateLimitError struct {
	ResetAt time.Time
	Limit   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit %d, resets %s)", e.Limit, e.ResetAt.Format(time.RFC3339))
}
func (e *RateLimitError) Code() Code      { return CodeRateLimit }
func (e *RateLimitError) Retryable() bool { return true }
func (e *RateLimitError) UserMessage() string {
	return fmt.Sprintf("Too many requests. Retry after %s.", e.ResetAt.UTC().Format(time.RFC3339))
}

// PolicyError rejects a request at configuration time (port policy, SSRF guard).
type PolicyError struct {
	Msg string
}

func (e *PolicyError) Error() string       { return fmt.Sprintf("policy rejected: %s", e.Msg) }
func (e *PolicyError) Code() Code          { return CodePolicy }
func (e *PolicyError) Retryable() bool     { return false }
func (e *PolicyError) UserMessage() string { return "The requested configuration is not allowed." }

// Classify converts a raw runtime error into a taxonomy member. Errors that
// already belong to the taxonomy pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce ContainerError
	if errors.As(err, &ce) {
		return err
	}

	if dockererrdefs.IsNotFound(err) {
		return &NotFoundError{Resource: "container", ID: ""}
	}
	if dockererrdefs.IsConflict(err) {
		return &StateError{Msg: err.Error(), CanRetry: false}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such image"),
		strings.Contains(msg, "pull access denied"),
		strings.Contains(msg, "manifest unknown"),
		strings.Contains(msg, "repository does not exist"):
		return &CreationError{Cause: CauseImageMissing, Err: err}
	case strings.Contains(msg, "no space left"):
		return &CreationError{Cause: CauseDiskSpace, Err: err}
	case strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "out of memory"):
		return &CreationError{Cause: CauseMemory, Err: err}
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "eof"):
		return &DaemonError{Err: err}
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "not found"):
		return &NotFoundError{Resource: "container", ID: ""}
	case strings.Contains(msg, "is already in progress"),
		strings.Contains(msg, "already in use"),
		strings.Contains(msg, "removal of container"):
		return &StateError{Msg: err.Error(), CanRetry: strings.Contains(msg, "in progress")}
	}
	return &ExecutionError{Err: err}
}

// IsRetryable reports whether the caller may retry. Taxonomy members answer
// for themselves; raw errors fall back to message patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce ContainerError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"):
		return false
	}
	return false
}

// LogError records a classified error as a structured log line, independent
// of whatever sanitized message the client receives.
func LogError(context string, err error) {
	if err == nil {
		return
	}
	var ce ContainerError
	if errors.As(err, &ce) {
		log.Printf("[error] context=%s code=%s retryable=%v msg=%q",
			logutil.SanitizeForLog(context), ce.Code(), ce.Retryable(), logutil.SanitizeForLog(err.Error()))
		return
	}
	log.Printf("[error] context=%s code=unclassified msg=%q",
		logutil.SanitizeForLog(context), logutil.SanitizeForLog(err.Error()))
}
