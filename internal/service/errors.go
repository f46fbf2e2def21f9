package service

import "errors"

var (
	ErrPostNotFound     = errors.New("post not found")
	ErrPostPublished    = errors.New("post is already published")
	ErrUserNotFound     = errors.New("user not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// ValidationError is returned for requests that can never succeed as sent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }
