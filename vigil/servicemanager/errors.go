package servicemanager

import (
	"errors"
	"fmt"
	"strings"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

// ErrorKind classifies lifecycle failures so callers can branch on the
// category without parsing message text.
type ErrorKind string

const (
	// ErrUnsupportedPlatform means no adapter exists for the host OS.
	ErrUnsupportedPlatform ErrorKind = "unsupported-platform"
	// ErrAlreadyRegistered means Install found an existing registration and
	// was not told to reuse it.
	ErrAlreadyRegistered ErrorKind = "already-registered"
	// ErrNativeToolFailure means a native tool could not be run or reported
	// a failure the adapter has no special handling for.
	ErrNativeToolFailure ErrorKind = "native-tool-failure"
	// ErrPrivilegeDenied means the invoking user lacks the rights the
	// operation needs.
	ErrPrivilegeDenied ErrorKind = "privilege-denied"
	// ErrMalformedStatusResponse means a status query answered in a shape
	// the adapter could not parse.
	ErrMalformedStatusResponse ErrorKind = "malformed-status-response"
)

// ServiceError is the uniform failure result for lifecycle operations.
// Detail is a single human-readable line; the full native tool output is
// written to the logs, never carried in the error.
type ServiceError struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Kind extracts the failure classification from err, or the empty string for
// nil and foreign errors.
func Kind(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Kind
	}
	return ""
}

// toolFailure builds the ServiceError for a native tool invocation that did
// not succeed. Spawn and transport failures arrive in err; a tool that ran
// and exited non-zero arrives through the result.
func toolFailure(op string, result cm.CommandResult, err error) *ServiceError {
	if err != nil {
		return &ServiceError{
			Kind:   ErrNativeToolFailure,
			Op:     op,
			Detail: fmt.Sprintf("%s: %v", result.Command, err),
			Err:    err,
		}
	}
	kind := ErrNativeToolFailure
	if deniedByOutput(result) {
		kind = ErrPrivilegeDenied
	}
	return &ServiceError{Kind: kind, Op: op, Detail: resultDetail(result)}
}

// fileFailure classifies a descriptor file operation failure reported by the
// file manager.
func fileFailure(op string, err error) *ServiceError {
	kind := ErrNativeToolFailure
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "permission denied") || strings.Contains(message, "operation not permitted") {
		kind = ErrPrivilegeDenied
	}
	return &ServiceError{Kind: kind, Op: op, Detail: err.Error(), Err: err}
}

// stepError summarizes one best-effort step for aggregation.
func stepError(step string, result cm.CommandResult, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%s: %s", step, resultDetail(result))
}

// resultDetail reduces a failed result to the single line carried in a
// ServiceError.
func resultDetail(result cm.CommandResult) string {
	detail := strings.TrimSpace(result.STDERR)
	if detail == "" {
		detail = strings.TrimSpace(result.STDOUT)
	}
	if detail == "" {
		return fmt.Sprintf("%s exited with code %d", result.Command, result.ExitCode)
	}
	line, _, _ := strings.Cut(detail, "\n")
	return line
}

func deniedByOutput(result cm.CommandResult) bool {
	stderr := strings.ToLower(result.STDERR)
	return strings.Contains(stderr, "permission denied") ||
		strings.Contains(stderr, "access is denied") ||
		strings.Contains(stderr, "operation not permitted")
}
