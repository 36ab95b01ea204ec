package pam

import (
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodePrecondition    = "PRECONDITION_VIOLATION"
	TextCodeProtocol        = "PROTOCOL_VIOLATION"
	TextCodeTimeout         = "EXCHANGE_TIMEOUT"
	TextCodeInvalidArgument = "INVALID_ARGUMENT"
	TextCodeAuditRejected   = "AUDIT_REJECTED"
	TextCodeEnvNotFound     = "ENV_NOT_FOUND"
)

// ErrPrecondition is returned when an operation runs out of lifecycle order,
// or while another native call on the same handle is still in flight.
var ErrPrecondition = goerrors.New("operation not permitted in current state", goerrors.CategoryConflict).
	WithTextCode(TextCodePrecondition).
	WithCode(goerrors.CodeConflict)

// ErrProtocol is returned when a conversation reply does not match the prompts it answers.
var ErrProtocol = goerrors.New("conversation protocol violation", goerrors.CategoryBadInput).
	WithTextCode(TextCodeProtocol).
	WithCode(goerrors.CodeBadRequest)

// ErrTimeout is returned when a pending exchange exceeds its deadline.
var ErrTimeout = goerrors.New("authentication exchange timed out", goerrors.CategoryOperation).
	WithTextCode(TextCodeTimeout).
	WithCode(http.StatusRequestTimeout)

// ErrInvalidArgument is returned for arguments rejected before reaching the native layer.
var ErrInvalidArgument = goerrors.New("invalid argument", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidArgument).
	WithCode(goerrors.CodeBadRequest)

// ErrAuditRejected is returned when the audit sink refuses an event.
var ErrAuditRejected = goerrors.New("audit event rejected", goerrors.CategoryOperation).
	WithTextCode(TextCodeAuditRejected).
	WithCode(goerrors.CodeInternal)

// ErrEnvNotFound is returned when a PAM environment variable is not set.
var ErrEnvNotFound = goerrors.New("environment variable not set", goerrors.CategoryNotFound).
	WithTextCode(TextCodeEnvNotFound).
	WithCode(goerrors.CodeNotFound)

// NewResultError builds the structured failure for a non-success native code.
// context describes the call that failed, e.g. "pam_authenticate() failed".
func NewResultError(code Code, context string) *goerrors.Error {
	name := code.Name()
	return goerrors.New(fmt.Sprintf("[%s]: %s", name, context), categoryFor(code)).
		WithTextCode(name).
		WithCode(statusFor(code)).
		WithMetadata(map[string]any{
			"code":     int(code),
			"name":     name,
			"err_str":  code.Description(),
			"context":  context,
			"location": callerLocation(2),
		})
}

// CodeOf extracts the native result code carried by err.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return CodeSuccess, true
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return 0, false
	}

	switch richErr.TextCode {
	case TextCodeProtocol:
		return CodeConvErr, true
	case TextCodeTimeout:
		return CodeSystemErr, true
	}

	code, ok := CodeByName(richErr.TextCode)
	if !ok || code == CodeSuccess {
		return 0, false
	}
	return code, true
}

// IsResultError reports whether err carries a native result code.
func IsResultError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	code, ok := CodeByName(richErr.TextCode)
	return ok && code != CodeSuccess
}

// IsPrecondition reports whether err is a lifecycle precondition violation.
func IsPrecondition(err error) bool { return hasTextCode(err, TextCodePrecondition) }

// IsProtocol reports whether err is a conversation protocol violation.
func IsProtocol(err error) bool { return hasTextCode(err, TextCodeProtocol) }

// IsTimeout reports whether err is an exchange timeout.
func IsTimeout(err error) bool { return hasTextCode(err, TextCodeTimeout) }

// IsInvalidArgument reports whether err was rejected before reaching native code.
func IsInvalidArgument(err error) bool { return hasTextCode(err, TextCodeInvalidArgument) }

// IsAuditRejected reports whether the audit sink aborted the operation.
func IsAuditRejected(err error) bool { return hasTextCode(err, TextCodeAuditRejected) }

// IsEnvNotFound reports whether err is a missing environment variable.
func IsEnvNotFound(err error) bool { return hasTextCode(err, TextCodeEnvNotFound) }

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

func withMessage(base *goerrors.Error, message string, source error) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	clone.Message = message
	if source != nil {
		clone.Source = source
	}
	return clone
}

func preconditionf(format string, args ...any) error {
	return withMessage(ErrPrecondition, fmt.Sprintf(format, args...), nil)
}

func protocolf(format string, args ...any) error {
	return withMessage(ErrProtocol, fmt.Sprintf(format, args...), nil)
}

func invalidArgumentf(format string, args ...any) error {
	return withMessage(ErrInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func categoryFor(code Code) goerrors.Category {
	switch code {
	case CodeAuthErr, CodeCredInsufficient, CodeAuthinfoUnavail, CodeUserUnknown,
		CodeMaxTries, CodeCredUnavail, CodeCredExpired, CodeCredErr,
		CodeAuthtokErr, CodeAuthtokRecoveryErr, CodeAuthtokExpired:
		return goerrors.CategoryAuth
	case CodePermDenied, CodeAcctExpired, CodeNewAuthtokReqd:
		return goerrors.CategoryAuthz
	case CodeConvErr:
		return goerrors.CategoryBadInput
	default:
		return goerrors.CategoryInternal
	}
}

func statusFor(code Code) int {
	switch categoryFor(code) {
	case goerrors.CategoryAuth:
		return goerrors.CodeUnauthorized
	case goerrors.CategoryAuthz:
		return goerrors.CodeForbidden
	case goerrors.CategoryBadInput:
		return goerrors.CodeBadRequest
	default:
		return goerrors.CodeInternal
	}
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// invariant aborts on data the native layer should never produce.
func invariant(ok bool, message string) {
	if !ok {
		panic(fmt.Sprintf("go-pam: internal invariant violated: %s [%s]", message, callerLocation(2)))
	}
}
