package vpn

import (
	"fmt"

	"github.com/yllada/systemvpn/common"
)

// ValidationCode classifies a ValidationError.
type ValidationCode int

const (
	CodeMissingField ValidationCode = iota + 1
	CodeUnsupportedProtocol
	CodeInvalidAddress
	CodeIncompatibleAuthMethod
	CodeIncompleteSecurityParameters
	CodeInvalidSecurityParameters
	CodeInvalidIdentifier
)

func (c ValidationCode) String() string {
	switch c {
	case CodeMissingField:
		return "MissingField"
	case CodeUnsupportedProtocol:
		return "UnsupportedProtocol"
	case CodeInvalidAddress:
		return "InvalidAddress"
	case CodeIncompatibleAuthMethod:
		return "IncompatibleAuthMethod"
	case CodeIncompleteSecurityParameters:
		return "IncompleteSecurityParameters"
	case CodeInvalidSecurityParameters:
		return "InvalidSecurityParameters"
	case CodeInvalidIdentifier:
		return "InvalidIdentifier"
	default:
		return "Unknown"
	}
}

// ValidationError reports a raw configuration that cannot become a Profile.
type ValidationError struct {
	Code  ValidationCode
	Field string
	Msg   string
}

// Sentinels for errors.Is; they match any ValidationError with the same code.
var (
	ErrMissingField                 = &ValidationError{Code: CodeMissingField}
	ErrUnsupportedProtocol          = &ValidationError{Code: CodeUnsupportedProtocol}
	ErrInvalidAddress               = &ValidationError{Code: CodeInvalidAddress}
	ErrIncompatibleAuthMethod       = &ValidationError{Code: CodeIncompatibleAuthMethod}
	ErrIncompleteSecurityParameters = &ValidationError{Code: CodeIncompleteSecurityParameters}
	ErrInvalidSecurityParameters    = &ValidationError{Code: CodeInvalidSecurityParameters}
	ErrInvalidIdentifier            = &ValidationError{Code: CodeInvalidIdentifier}
)

func invalid(code ValidationCode, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	s := common.ErrValidation.Error() + ": " + e.Code.String()
	if e.Field != "" {
		s += " (" + e.Field + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is matches ValidationErrors with the same code, and the same field when the
// target names one.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Field == "" || t.Field == e.Field)
}

func (e *ValidationError) Unwrap() error {
	return common.ErrValidation
}

// PlatformError reports an adapter or tunnel failure.
type PlatformError struct {
	// Op is the adapter operation or event that failed.
	Op   string
	Code ErrorState
	Err  error
}

func (e *PlatformError) Error() string {
	s := common.ErrPlatform.Error() + ": " + e.Op + ": " + e.Code.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *PlatformError) Unwrap() []error {
	if e.Err == nil {
		return []error{common.ErrPlatform}
	}
	return []error{common.ErrPlatform, e.Err}
}
