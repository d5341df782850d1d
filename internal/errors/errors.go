package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	FBAuthnMissingToken  Code = "FB_AUTHN_MISSING_TOKEN"
	FBAuthnInvalidToken  Code = "FB_AUTHN_INVALID_TOKEN"
	FBAuthnExpiredToken  Code = "FB_AUTHN_EXPIRED_TOKEN"
	FBAuthzDenied        Code = "FB_AUTHZ_DENIED"
	FBAuthzResourceMis   Code = "FB_AUTHZ_RESOURCE_MISMATCH"
	FBValidationFailed   Code = "FB_VALIDATION_FAILED"
	FBValidationName     Code = "FB_VALIDATION_NAME_INVALID"
	FBValidationRuntime  Code = "FB_VALIDATION_RUNTIME_UNSUPPORTED"
	FBNotFound           Code = "FB_NOT_FOUND"
	FBConflictExists     Code = "FB_CONFLICT_ALREADY_EXISTS"
	FBPreconditionFailed Code = "FB_PRECONDITION_FAILED"
	FBStoreUnavailable   Code = "FB_STORE_UNAVAILABLE"
	FBStoreWriteFailed   Code = "FB_STORE_WRITE_FAILED"
	FBStoreReadFailed    Code = "FB_STORE_READ_FAILED"
	FBQueueEnqueueFailed Code = "FB_QUEUE_ENQUEUE_FAILED"
	FBQueueReserveFailed Code = "FB_QUEUE_RESERVE_FAILED"
	FBForgeFailed        Code = "FB_FORGE_REQUEST_FAILED"
	FBProviderFailed     Code = "FB_PROVIDER_FAILED"
	FBStorageFailed      Code = "FB_STORAGE_FAILED"
	FBSecretFailed       Code = "FB_SECRET_CODEC_FAILED"
	FBEventPublishFailed Code = "FB_EVENT_PUBLISH_FAILED"
	FBEventSubFailed     Code = "FB_EVENT_SUBSCRIBE_FAILED"
)

type FBError struct {
	Code      Code
	Message   string
	RequestID string
	Cause     error
}

func (e *FBError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FBError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(code Code, message string) *FBError {
	return &FBError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *FBError {
	return &FBError{Code: code, Message: message, Cause: err}
}

// NotFound builds the error returned when a named resource is missing,
// e.g. NotFound("function version") -> "function version not found".
func NotFound(resource string) *FBError {
	return New(FBNotFound, resource+" not found")
}

// CodeOf returns the code carried by err, or "" when err is not an FBError.
func CodeOf(err error) Code {
	var fbErr *FBError
	if errors.As(err, &fbErr) {
		return fbErr.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return CodeOf(err) == FBNotFound
}

func WithRequestID(err error, requestID string) error {
	var fbErr *FBError
	if errors.As(err, &fbErr) {
		clone := *fbErr
		clone.RequestID = requestID
		return &clone
	}
	return err
}

func StatusCode(code Code) int {
	switch {
	case strings.HasPrefix(string(code), "FB_AUTHN_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(string(code), "FB_AUTHZ_"):
		return http.StatusForbidden
	case strings.HasPrefix(string(code), "FB_VALIDATION_"):
		return http.StatusBadRequest
	case code == FBNotFound:
		return http.StatusNotFound
	case strings.HasPrefix(string(code), "FB_CONFLICT_"):
		return http.StatusConflict
	case code == FBPreconditionFailed:
		return http.StatusPreconditionFailed
	case strings.HasSuffix(string(code), "_UNAVAILABLE"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type HTTPErrorEnvelope struct {
	Error struct {
		Code      Code   `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func Encode(err error, requestID string) (int, []byte) {
	var fbErr *FBError
	if !errors.As(err, &fbErr) {
		fbErr = Wrap(FBValidationFailed, err.Error(), err)
	}
	if fbErr.RequestID == "" {
		fbErr.RequestID = requestID
	}
	env := HTTPErrorEnvelope{}
	env.Error.Code = fbErr.Code
	env.Error.Message = fbErr.Message
	env.Error.RequestID = fbErr.RequestID
	b, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		fallback := []byte(`{"error":{"code":"FB_VALIDATION_FAILED","message":"failed to encode error"}}`)
		return http.StatusInternalServerError, fallback
	}
	return StatusCode(fbErr.Code), b
}

func WriteHTTP(w http.ResponseWriter, err error, requestID string) {
	status, body := Encode(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
