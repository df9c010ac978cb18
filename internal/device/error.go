package device

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrorDomain tags every error produced by this module.
const ErrorDomain = "gattkit"

// Attribute keys attached to *Error for diagnostics.
const (
	AttrMethod     = "method"
	AttrMessage    = "message"
	AttrGattStatus = "gatt_status"
)

// ErrorCode is the closed set of outcomes an operation can report.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeTimeout
	CodeNotConnected
	CodeOperationFailed
	CodeConnectionFailed
	CodeDisconnected
	CodePreconditionFailed
)

var errorCodeNames = map[ErrorCode]string{
	CodeSuccess:            "success",
	CodeTimeout:            "timeout",
	CodeNotConnected:       "not connected",
	CodeOperationFailed:    "operation failed",
	CodeConnectionFailed:   "connection failed",
	CodeDisconnected:       "disconnected",
	CodePreconditionFailed: "precondition failed",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// Error is the single error type delivered to every completion callback.
type Error struct {
	Domain      string
	Code        ErrorCode
	Description string
	Cause       error
	Attributes  map[string]string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Attributes[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the nested cause to errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is to compare Error values by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Attribute returns an attribute value, or "" when absent.
func (e *Error) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// WithAttribute returns e after setting key to value.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// Predefined sentinel errors, one per code. Compare with errors.Is.
var (
	ErrTimeout            = &Error{Domain: ErrorDomain, Code: CodeTimeout}
	ErrNotConnected       = &Error{Domain: ErrorDomain, Code: CodeNotConnected}
	ErrOperationFailed    = &Error{Domain: ErrorDomain, Code: CodeOperationFailed}
	ErrConnectionFailed   = &Error{Domain: ErrorDomain, Code: CodeConnectionFailed}
	ErrDisconnected       = &Error{Domain: ErrorDomain, Code: CodeDisconnected}
	ErrPreconditionFailed = &Error{Domain: ErrorDomain, Code: CodePreconditionFailed}
)

// ErrUnsupported is returned for optional radio capabilities the platform lacks.
var ErrUnsupported = errors.New("unsupported")

// NewError creates an error with the given code and no extra detail.
func NewError(code ErrorCode) *Error {
	return &Error{Domain: ErrorDomain, Code: code}
}

// Errorf creates an error with a formatted description.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Domain: ErrorDomain, Code: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code around cause.
func Wrap(code ErrorCode, cause error) *Error {
	return &Error{Domain: ErrorDomain, Code: code, Cause: cause}
}

// OperationFailed reports a call that could not be issued or completed.
func OperationFailed(method string) *Error {
	return NewError(CodeOperationFailed).WithAttribute(AttrMethod, method)
}

// PreconditionFailed reports a call made in a state that does not allow it.
func PreconditionFailed(message string) *Error {
	return NewError(CodePreconditionFailed).WithAttribute(AttrMessage, message)
}

// GattStatusError translates a raw platform status into an error.
// Returns a nil error (not a typed nil) when the status is success.
func GattStatusError(method string, status int) error {
	if status == GattStatusSuccess {
		return nil
	}
	return OperationFailed(method).WithAttribute(AttrGattStatus, strconv.Itoa(status))
}

// CodeOf maps any error to its code. Errors from outside the taxonomy are operation failures.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOperationFailed
}

// AsError converts err into *Error, wrapping foreign errors as operation failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeOperationFailed, err)
}

// NotFoundError represents a lookup for an attribute that was never discovered
type NotFoundError struct {
	Resource string // "service", "characteristic", "descriptor"
	IDs      []Identity
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0].Short())
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.IDs[len(e.IDs)-1].Short(), parentResource, e.IDs[0].Short())
}
