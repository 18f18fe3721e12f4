// Package apperr defines the application error taxonomy shared by the tenant
// resolver, the agent loop, and the HTTP handlers. Each error carries the HTTP
// status it maps to and a stable machine-readable code for the JSON envelope.
//
// Tool execution failures are deliberately absent: they are recoverable, stay
// in-band as a structured ToolResult, and never reach the API caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes used in the JSON error envelope.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeNoTenant          = "no_tenant"
	CodeCrossTenantDenied = "cross_tenant_denied"
	CodeForbidden         = "forbidden"
	CodeInvalid           = "invalid_request"
	CodeProvisioning      = "provisioning_failed"
	CodeModelRuntime      = "model_runtime_error"
	CodePersistence       = "persistence_error"
	CodeNotFound          = "not_found"
)

// Error is a typed application error with an HTTP mapping.
type Error struct {
	// Code is the stable machine-readable identifier, e.g. "cross_tenant_denied".
	Code string
	// Status is the HTTP status this error maps to.
	Status int
	// Message is safe to return to the caller.
	Message string
	// Err is the underlying cause, withheld from responses outside dev mode.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// As extracts an *Error from err's chain, or nil.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// Unauthenticated reports a missing or unusable identity (401).
func Unauthenticated(message string) *Error {
	return &Error{Code: CodeUnauthenticated, Status: http.StatusUnauthorized, Message: message}
}

// NoTenant reports a request without resolvable tenant context (403).
func NoTenant(message string) *Error {
	return &Error{Code: CodeNoTenant, Status: http.StatusForbidden, Message: message}
}

// CrossTenantDenied reports an attempt to act in an organization the caller
// does not belong to (403).
func CrossTenantDenied(orgID string) *Error {
	return &Error{
		Code:    CodeCrossTenantDenied,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("no membership in organization %q", orgID),
	}
}

// Forbidden reports an action the caller's role does not permit (403).
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: message}
}

// Invalid reports malformed or missing input (400).
func Invalid(message string) *Error {
	return &Error{Code: CodeInvalid, Status: http.StatusBadRequest, Message: message}
}

// Provisioning reports a failed auto-provision write (500).
func Provisioning(err error) *Error {
	return &Error{
		Code:    CodeProvisioning,
		Status:  http.StatusInternalServerError,
		Message: "could not provision a default organization",
		Err:     err,
	}
}

// ModelRuntime reports a transport-level model runtime failure (500).
// These abort the agent loop; tool failures do not.
func ModelRuntime(err error) *Error {
	return &Error{
		Code:    CodeModelRuntime,
		Status:  http.StatusInternalServerError,
		Message: "model runtime request failed",
		Err:     err,
	}
}

// Persistence reports a storage failure (500).
func Persistence(err error) *Error {
	return &Error{
		Code:    CodePersistence,
		Status:  http.StatusInternalServerError,
		Message: "storage operation failed",
		Err:     err,
	}
}

// NotFound reports a missing resource within the caller's scope (404).
func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: resource + " not found"}
}
