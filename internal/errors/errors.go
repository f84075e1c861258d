package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a failure on the way from compose text to a created record.
type ErrorCode string

const (
	ErrConfiguration        ErrorCode = "CONFIGURATION"         // handle or app password missing
	ErrAuthentication       ErrorCode = "AUTHENTICATION"        // createSession rejected
	ErrAuthorizationExpired ErrorCode = "AUTHORIZATION_EXPIRED" // 401 on an authenticated call
	ErrValidation           ErrorCode = "VALIDATION"            // caught before any network call
	ErrUpload               ErrorCode = "UPLOAD"
	ErrSubmission           ErrorCode = "SUBMISSION"
	ErrPreviewFetch         ErrorCode = "PREVIEW_FETCH" // never reaches the user
)

// PostError carries a code, the HTTP status when one was involved, and the cause.
type PostError struct {
	Code    ErrorCode
	Status  int
	Message string
	Cause   error
}

func (e *PostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PostError) Unwrap() error { return e.Cause }

// NewConfiguration reports a missing setting by name.
func NewConfiguration(field string) *PostError {
	return &PostError{
		Code:    ErrConfiguration,
		Message: fmt.Sprintf("%s is not set; configure your handle and app password", field),
	}
}

// NewAuthentication wraps a rejected login.
func NewAuthentication(status int, cause error) *PostError {
	return &PostError{
		Code:    ErrAuthentication,
		Status:  status,
		Message: fmt.Sprintf("login failed (status %d)", status),
		Cause:   cause,
	}
}

func NewAuthorizationExpired(endpoint string) *PostError {
	return &PostError{
		Code:    ErrAuthorizationExpired,
		Status:  401,
		Message: fmt.Sprintf("%s: access token rejected", endpoint),
	}
}

func NewValidation(msg string) *PostError {
	return &PostError{Code: ErrValidation, Message: msg}
}

// NewTextTooLong reports the byte length against the limit.
func NewTextTooLong(max, actual int) *PostError {
	return &PostError{
		Code:    ErrValidation,
		Message: fmt.Sprintf("post is %d bytes (max %d); shorten the text", actual, max),
	}
}

func NewTooManyImages(max int) *PostError {
	return &PostError{Code: ErrValidation, Message: fmt.Sprintf("at most %d images can be attached", max)}
}

func NewUpload(status int, cause error) *PostError {
	return &PostError{
		Code:    ErrUpload,
		Status:  status,
		Message: fmt.Sprintf("image upload failed (status %d)", status),
		Cause:   cause,
	}
}

func NewSubmission(status int, cause error) *PostError {
	return &PostError{
		Code:    ErrSubmission,
		Status:  status,
		Message: fmt.Sprintf("post failed (status %d)", status),
		Cause:   cause,
	}
}

func NewPreviewFetch(url string, cause error) *PostError {
	return &PostError{
		Code:    ErrPreviewFetch,
		Message: fmt.Sprintf("link preview for %s", url),
		Cause:   cause,
	}
}

// Is reports whether err, or anything it wraps, is a PostError with code.
func Is(err error, code ErrorCode) bool {
	var pErr *PostError
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var pErr *PostError
	if stderrors.As(err, &pErr) {
		return pErr.Status
	}
	return 0
}

// MessageOf returns the user-facing message of a PostError, or err.Error().
func MessageOf(err error) string {
	var pErr *PostError
	if stderrors.As(err, &pErr) {
		return pErr.Message
	}
	return err.Error()
}
