// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via failErr and fail in this package). These codes give clients a
// stable, machine-readable error taxonomy that supplements human-readable
// messages.
//
// Conventions:
//   - Codes are lowercase and snake_case.
//   - Each service error kind maps to exactly one code; see failErr.
//   - All error responses carry an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_credits",
//	  "message": "insufficient credits"
//	}
package handlers

const (
	ErrCodeBadRequest          = "bad_request"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeForbidden           = "forbidden"
	ErrCodeNotFound            = "not_found"
	ErrCodeConflict            = "conflict"
	ErrCodeRateLimited         = "too_many_requests"
	ErrCodeInternal            = "internal_error"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)
