package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable classification of an error.
type ErrorCode string

const (
	CodeNotFound                  ErrorCode = "not_found"
	CodeInvalidOperation          ErrorCode = "invalid_operation"
	CodeValidation                ErrorCode = "validation"
	CodeExternalSignalUnavailable ErrorCode = "external_signal_unavailable"
	CodeConcurrentModification    ErrorCode = "concurrent_modification"
	CodeConflict                  ErrorCode = "conflict"
	CodeTimeout                   ErrorCode = "timeout"
	CodeCancelled                 ErrorCode = "cancelled"
	CodeInternal                  ErrorCode = "internal"
)

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeNotFound: {
		Code:            CodeNotFound,
		Retryable:       false,
		Description:     "Identity, mapping, match or audit entry does not exist",
		SuggestedAction: "Check the id: canonid audit --entity <id>",
	},
	CodeInvalidOperation: {
		Code:            CodeInvalidOperation,
		Retryable:       false,
		Description:     "Operation arguments are degenerate for the current graph",
		SuggestedAction: "Verify both identities are active and of the same kind",
	},
	CodeValidation: {
		Code:            CodeValidation,
		Retryable:       false,
		Description:     "Input failed validation",
		SuggestedAction: "Confidence factors must lie in [0,1]",
	},
	CodeExternalSignalUnavailable: {
		Code:            CodeExternalSignalUnavailable,
		Retryable:       true,
		Description:     "Statistics provider did not answer in time",
		SuggestedAction: "Check the stats warehouse and cache, then rerun resolve",
	},
	CodeConcurrentModification: {
		Code:            CodeConcurrentModification,
		Retryable:       true,
		Description:     "Identity changed while the operation was in flight",
		SuggestedAction: "Reload the identity and retry",
	},
	CodeConflict: {
		Code:            CodeConflict,
		Retryable:       false,
		Description:     "A mapping for this kind, source id and season already exists",
		SuggestedAction: "Resolve skips mapped records unless --include-mapped is set",
	},
	CodeTimeout: {
		Code:            CodeTimeout,
		Retryable:       true,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Raise resolver.signal_timeout or check database latency",
	},
	CodeCancelled: {
		Code:            CodeCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or system",
		SuggestedAction: "Rerun; committed work is kept and skipped on rerun",
	},
	CodeInternal: {
		Code:            CodeInternal,
		Retryable:       false,
		Description:     "Unclassified error",
		SuggestedAction: "Rerun with --debug and check the logs",
	},
}

// OpError is a classified error raised by a named operation.
type OpError struct {
	Code  ErrorCode
	Op    string
	Cause error
}

func (e *OpError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *OpError) Unwrap() error {
	return e.Cause
}

// Classify returns an *OpError for err carrying the code of the first sentinel
// in its chain. It returns nil for a nil error.
func Classify(err error, op string) *OpError {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return existing
	}
	return &OpError{Code: CodeOf(err), Op: op, Cause: err}
}

// CodeOf maps err to an ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case IsNotFound(err):
		return CodeNotFound
	case IsInvalidOperation(err), IsInvalidState(err):
		return CodeInvalidOperation
	case IsValidation(err):
		return CodeValidation
	case IsExternalSignalUnavailable(err):
		return CodeExternalSignalUnavailable
	case IsConcurrentModification(err):
		return CodeConcurrentModification
	case IsConflict(err), IsAlreadyExists(err):
		return CodeConflict
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeInternal
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// IsErrorRetryable classifies err and reports whether it is worth retrying.
func IsErrorRetryable(err error) bool {
	return err != nil && IsRetryable(CodeOf(err))
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs for more details"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
