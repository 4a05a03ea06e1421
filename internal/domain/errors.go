package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by repositories for ids they hold nothing for.
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type ErrorKind string

const (
	ErrNetworkTimeout     ErrorKind = "network_timeout"
	ErrAuthentication     ErrorKind = "authentication_error"
	ErrDataValidation     ErrorKind = "data_validation_error"
	ErrResourceExhaustion ErrorKind = "resource_exhaustion"
	ErrUnknown            ErrorKind = "unknown"
)

// ClientError is returned by platform clients with the failure already classified.
type ClientError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewClientError(kind ErrorKind, op string, err error) *ClientError {
	return &ClientError{Kind: kind, Op: op, Err: err}
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Classify returns the kind carried by a *ClientError anywhere in the chain.
// Untyped errors fall back to matching well-known phrases in the message.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}

	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return ErrNetworkTimeout
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") || strings.Contains(msg, "token"):
		return ErrAuthentication
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ErrDataValidation
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "too many requests"):
		return ErrResourceExhaustion
	}
	return ErrUnknown
}
