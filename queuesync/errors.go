// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Typed errors below unwrap to their specific kind and to their family
// (ErrClient or ErrNotAuthorized) so callers can match at either level.
var (
	ErrClient            = errors.New("client_error")
	ErrValidation        = errors.New("validation_error")
	ErrRestriction       = errors.New("restriction_exceeded")
	ErrFileNotFound      = errors.New("file_not_found")
	ErrEntityNotFound    = errors.New("entity_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")

	ErrNotAuthorized         = errors.New("not_authorized")
	ErrUserNotAuthenticated  = errors.New("user_not_authenticated")
	ErrUserNotAuthorized     = errors.New("user_not_authorized")
	ErrOperationNotPermitted = errors.New("operation_not_permitted")

	ErrUploadFile = errors.New("upload_file_failed")
)

// ClientError is a failure caused by the caller's input
type ClientError struct {
	Kind    error
	Code    string
	Message string
	Context map[string]any
}

// NewClientError builds a ClientError of the given kind
func NewClientError(kind error, code, message string, ctx map[string]any) *ClientError {
	if kind == nil {
		kind = ErrClient
	}
	return &ClientError{Kind: kind, Code: code, Message: message, Context: ctx}
}

func (e *ClientError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() []error {
	if e.Kind == ErrClient {
		return []error{ErrClient}
	}
	return []error{e.Kind, ErrClient}
}

// NotAuthorizedError covers authentication and authorization failures
type NotAuthorizedError struct {
	Kind    error
	Message string
}

func newNotAuthorized(kind error, format string, args ...any) *NotAuthorizedError {
	return &NotAuthorizedError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *NotAuthorizedError) Error() string {
	return e.Message
}

func (e *NotAuthorizedError) Unwrap() []error {
	return []error{e.Kind, ErrNotAuthorized}
}

// UploadFileError wraps a storage-layer failure while storing an upload
type UploadFileError struct {
	FileID string
	Err    error
}

func (e *UploadFileError) Error() string {
	return fmt.Sprintf("upload of file %s failed: %v", e.FileID, e.Err)
}

func (e *UploadFileError) Unwrap() []error {
	return []error{ErrUploadFile, e.Err}
}

func errEntityNotFound(ref EntityReference) *ClientError {
	return NewClientError(ErrEntityNotFound, CodeEntityNotFound,
		fmt.Sprintf("entity %s not found", ref),
		map[string]any{"entity": ref.Entity, "id": ref.ID})
}

func errUnknownEntity(name string) *ClientError {
	return NewClientError(ErrValidation, CodeUnknownEntity,
		fmt.Sprintf("entity %q is not registered for sync", name),
		map[string]any{"entity": name})
}

// isPermanent reports whether retrying a transactional unit cannot change the outcome
func isPermanent(err error) bool {
	return errors.Is(err, ErrClient) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error to the status code used at the HTTP boundary
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUserNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrClient):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the machine code carried by err, or a generic one
func ErrorCode(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	var na *NotAuthorizedError
	if errors.As(err, &na) {
		return na.Kind.Error()
	}
	if errors.Is(err, ErrClient) {
		return ErrClient.Error()
	}
	return "internal_error"
}
