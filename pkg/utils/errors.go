package utils

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrBadRequestData = errors.New("bad request data")
	ErrInvalidValue   = errors.New("invalid attribute value")
	ErrAccessDenied   = errors.New("access denied")
	ErrInternal       = errors.New("internal error")
)

const (
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeBadRequestData = "BAD_REQUEST_DATA"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeInternal       = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.Is(err, ErrNotFound) ||
		(err != nil && errors.As(err, &appErr) && appErr.Code == CodeNotFound)
}

func IsAlreadyExists(err error) bool {
	var appErr *AppError
	return errors.Is(err, ErrAlreadyExists) ||
		(err != nil && errors.As(err, &appErr) && appErr.Code == CodeAlreadyExists)
}

func IsBadRequestData(err error) bool {
	var appErr *AppError
	return errors.Is(err, ErrBadRequestData) ||
		(err != nil && errors.As(err, &appErr) && appErr.Code == CodeBadRequestData)
}

func IsInvalidValue(err error) bool {
	var appErr *AppError
	return errors.Is(err, ErrInvalidValue) ||
		(err != nil && errors.As(err, &appErr) && appErr.Code == CodeInvalidValue)
}

func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
