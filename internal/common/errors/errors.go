// Package errors provides the error kinds surfaced by the troika server.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds as constants. Each failed result carries exactly one kind.
const (
	KindConfigInvalid            = "config_invalid"
	KindRoleDisabled             = "role_disabled"
	KindUnknownRole              = "unknown_role"
	KindUnsupportedCapability    = "unsupported_capability"
	KindParallelResumeConflict   = "parallel_resume_conflict"
	KindSpawnFailed              = "spawn_failed"
	KindIOFailed                 = "io_failed"
	KindTimeout                  = "timeout"
	KindCancelled                = "cancelled"
	KindParseEmptyMessage        = "parse_empty_message"
	KindParseBadFormat           = "parse_bad_format"
	KindContractMissingPatch     = "contract_missing_patch"
	KindContractMissingCitations = "contract_missing_citations"
	KindContractPatchInvalid     = "contract_patch_invalid"
	KindSessionInvalidOnResume   = "session_invalid_on_resume"
	KindModelNotFound            = "model_not_found"
	KindBackendError             = "backend_error"
	KindStageTimeout             = "stage_timeout"
)

// AppError is the application error carried through results.
type AppError struct {
	Kind          string `json:"kind"`
	Detail        string `json:"detail"`
	StderrExcerpt string `json:"stderr_excerpt,omitempty"`
	Err           error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ConfigInvalid reports a fatal configuration problem.
func ConfigInvalid(detail string) *AppError {
	return &AppError{Kind: KindConfigInvalid, Detail: detail}
}

// RoleDisabled reports a call against a role with enabled=false.
func RoleDisabled(roleID string) *AppError {
	return &AppError{Kind: KindRoleDisabled, Detail: fmt.Sprintf("role %q is disabled", roleID)}
}

// UnknownRole reports a call against a role absent from config.
func UnknownRole(roleID string) *AppError {
	return &AppError{Kind: KindUnknownRole, Detail: fmt.Sprintf("unknown role: %q", roleID)}
}

// UnsupportedCapability reports a role capability outside the adapter's allowed set.
func UnsupportedCapability(detail string) *AppError {
	return &AppError{Kind: KindUnsupportedCapability, Detail: detail}
}

// ParallelResumeConflict reports a concurrent resume against a stateless backend.
func ParallelResumeConflict(detail string) *AppError {
	return &AppError{Kind: KindParallelResumeConflict, Detail: detail}
}

// SpawnFailed reports a child process that could not be started.
func SpawnFailed(err error) *AppError {
	return &AppError{Kind: KindSpawnFailed, Detail: "failed to spawn backend", Err: err}
}

// IOFailed reports a stream read/write failure against the child.
func IOFailed(detail string, err error) *AppError {
	return &AppError{Kind: KindIOFailed, Detail: detail, Err: err}
}

// Timeout reports an invocation that exceeded its deadline.
func Timeout(detail string) *AppError {
	return &AppError{Kind: KindTimeout, Detail: detail}
}

// Cancelled reports an invocation cancelled by the caller.
func Cancelled(detail string) *AppError {
	return &AppError{Kind: KindCancelled, Detail: detail}
}

// StageTimeout reports a roundtable task still in flight at the round deadline.
func StageTimeout(detail string) *AppError {
	return &AppError{Kind: KindStageTimeout, Detail: detail}
}

// ParseEmptyMessage reports parseable output with no recoverable message.
func ParseEmptyMessage(detail string) *AppError {
	return &AppError{Kind: KindParseEmptyMessage, Detail: detail}
}

// ParseBadFormat reports output the configured parser cannot decode.
func ParseBadFormat(detail string, err error) *AppError {
	return &AppError{Kind: KindParseBadFormat, Detail: detail, Err: err}
}

// ContractMissingPatch reports a patch_with_citations response without a patch.
func ContractMissingPatch() *AppError {
	return &AppError{Kind: KindContractMissingPatch, Detail: "missing PATCH block"}
}

// ContractMissingCitations reports a patch_with_citations response without citations.
func ContractMissingCitations() *AppError {
	return &AppError{Kind: KindContractMissingCitations, Detail: "missing CITATIONS section"}
}

// ContractPatchInvalid reports a patch that failed the syntactic apply check.
func ContractPatchInvalid(output string) *AppError {
	return &AppError{Kind: KindContractPatchInvalid, Detail: "patch failed apply check", StderrExcerpt: output}
}

// SessionInvalidOnResume reports a resume rejected by the backend.
func SessionInvalidOnResume(detail string) *AppError {
	return &AppError{Kind: KindSessionInvalidOnResume, Detail: detail}
}

// ModelNotFound reports a backend rejection matching the fallback patterns.
func ModelNotFound(detail string) *AppError {
	return &AppError{Kind: KindModelNotFound, Detail: detail}
}

// BackendError reports any other non-zero exit with diagnostic text.
func BackendError(exitCode int, stderrExcerpt string) *AppError {
	return &AppError{
		Kind:          KindBackendError,
		Detail:        fmt.Sprintf("backend exited with status %d", exitCode),
		StderrExcerpt: stderrExcerpt,
	}
}

// Wrap wraps an existing error with additional context, preserving its kind.
func Wrap(err error, detail string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:          appErr.Kind,
			Detail:        fmt.Sprintf("%s: %s", detail, appErr.Detail),
			StderrExcerpt: appErr.StderrExcerpt,
			Err:           err,
		}
	}
	return &AppError{Kind: KindBackendError, Detail: detail, Err: err}
}

// KindOf returns the kind of err, or KindBackendError for foreign errors.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindBackendError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts an *AppError from err, wrapping foreign errors as backend_error.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Kind: KindBackendError, Detail: err.Error(), Err: err}
}
