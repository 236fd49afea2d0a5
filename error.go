// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"errors"
	"fmt"
)

// ErrorCode is a wire-compatible RPC error tag. The set is closed:
// unknown tags arriving on the wire are coerced to [CodeInternal].
type ErrorCode string

const (
	// CodeBadRequest marks malformed wire input, illegal expressions,
	// or bad arguments.
	CodeBadRequest ErrorCode = "bad_request"
	// CodeNotFound marks a missing import/export ID or a missing
	// property or method.
	CodeNotFound ErrorCode = "not_found"
	// CodePermissionDenied marks a user-code authorization failure.
	CodePermissionDenied ErrorCode = "permission_denied"
	// CodeCapRevoked marks an operation on a disposed or released stub.
	CodeCapRevoked ErrorCode = "cap_revoked"
	// CodeCanceled marks an operation aborted locally.
	CodeCanceled ErrorCode = "canceled"
	// CodeInternal marks an unhandled user exception or a transport
	// failure.
	CodeInternal ErrorCode = "internal"
)

// knownCode reports whether s is one of the closed set of wire tags.
func knownCode(s string) bool {
	switch ErrorCode(s) {
	case CodeBadRequest, CodeNotFound, CodePermissionDenied,
		CodeCapRevoked, CodeCanceled, CodeInternal:
		return true
	}
	return false
}

// Error is a structured RPC error. It is both a Go error and a wire
// value: errors cross the session boundary as ["error", ...] expressions
// and surface on the peer as an *Error with the same code, message, and
// data. Stack is transmitted only when the emitting session enables
// stack exposure.
type Error struct {
	Code    ErrorCode
	Message string
	Stack   string
	Data    any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// WithData returns a copy of e carrying structured data.
func (e *Error) WithData(data any) *Error {
	dup := *e
	dup.Data = data
	return &dup
}

// WithStack returns a copy of e carrying a stack string.
func (e *Error) WithStack(stack string) *Error {
	dup := *e
	dup.Stack = stack
	return &dup
}

// NewError creates an RPC error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an RPC error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// asError coerces an arbitrary Go error into an *Error. RPC errors pass
// through unchanged; anything else becomes CodeInternal.
func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
