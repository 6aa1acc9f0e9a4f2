// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a class of error for programmatic handling.
type Code string

const (
	CodeClassification   Code = "classification"
	CodeValidation       Code = "validation"
	CodeSandboxViolation Code = "sandbox_violation"
	CodeSandboxConfig    Code = "sandbox_config"
	CodeHandlerExecution Code = "handler_execution"
	CodeNotFound         Code = "not_found"
	CodeTimeout          Code = "timeout"
)

// ClientError reports whether the code describes a problem with the request
// rather than with the service.
func (c Code) ClientError() bool {
	switch c {
	case CodeClassification, CodeValidation, CodeSandboxViolation, CodeNotFound:
		return true
	}
	return false
}

// Error wraps an underlying error with a code and message.
type Error struct {
	Code    Code
	Message string
	// Field names the offending argument for validation errors.
	Field string
	// Path is the offending path for sandbox and not-found errors.
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new coded error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new coded error that wraps an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classification reports a classifier failure.
func Classification(message string, err error) *Error {
	return Wrap(CodeClassification, message, err)
}

// Validation reports a request that does not match its operation schema.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// SandboxViolation reports a path that resolves outside the sandbox root.
func SandboxViolation(path, reason string) *Error {
	return &Error{
		Code:    CodeSandboxViolation,
		Message: fmt.Sprintf("path %q is outside the sandbox: %s", path, reason),
		Path:    path,
	}
}

// SandboxConfig reports a sandbox root that cannot be used.
func SandboxConfig(root string, err error) *Error {
	return &Error{
		Code:    CodeSandboxConfig,
		Message: fmt.Sprintf("sandbox root %q is unusable", root),
		Path:    root,
		Err:     err,
	}
}

// HandlerExecution wraps a failure raised by an operation handler.
func HandlerExecution(operation string, err error) *Error {
	return Wrap(CodeHandlerExecution, fmt.Sprintf("operation %s failed", operation), err)
}

// NotFound reports a missing file inside the sandbox.
func NotFound(path string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("file %q not found", path), Path: path}
}

// Timeout reports a request that exceeded its deadline.
func Timeout(stage string, err error) *Error {
	return Wrap(CodeTimeout, fmt.Sprintf("request timed out during %s", stage), err)
}

// CodeOf returns the code of the first coded error in err's chain.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if stderrors.As(err, &coded) && coded != nil {
		return coded.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
