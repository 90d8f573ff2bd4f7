package types

import (
	"errors"
	"fmt"
)

// ErrorCode 统一错误码
type ErrorCode string

const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrMalformedJudge     ErrorCode = "MALFORMED_JUDGE_OUTPUT"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrIngestFailed       ErrorCode = "INGEST_FAILED"
	ErrInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrUnsupportedType    ErrorCode = "UNSUPPORTED_FILE_TYPE"
	ErrEmbeddingFailed    ErrorCode = "EMBEDDING_FAILED"
	ErrContextOverBudget  ErrorCode = "CONTEXT_OVER_BUDGET"
	ErrDocumentNotFound   ErrorCode = "DOCUMENT_NOT_FOUND"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error 带错误码与重试语义的结构化错误。
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建结构化错误。
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCode(code)}
}

// WrapError 包装底层错误。
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCode(code), Cause: cause}
}

// retryableCode 判断错误码是否默认可重试。
func retryableCode(code ErrorCode) bool {
	switch code {
	case ErrTimeout, ErrUpstreamError, ErrServiceUnavailable, ErrEmbeddingFailed:
		return true
	}
	return false
}

// IsRetryable 判断错误链中是否存在可重试错误。
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf 提取错误链中的错误码，非结构化错误返回 INTERNAL_ERROR。
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternalError
}
