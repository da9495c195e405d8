package chat

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAlreadyStreaming = errors.New("chat already has an active exchange")
	ErrNotFound         = errors.New("not found")
	// ErrConflict reports a message pair id already used by another chat.
	ErrConflict = errors.New("message pair id belongs to another chat")

	ErrAborted       = errors.New("exchange aborted")
	ErrTimeout       = errors.New("exchange timed out")
	ErrEmptyResponse = errors.New("model returned an empty response")
	ErrClientGone    = errors.New("client disconnected")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Failure reasons recorded on failed pairs and sent in failed frames.
const (
	ReasonAborted       = "aborted"
	ReasonTimeout       = "timeout"
	ReasonClientGone    = "client_disconnected"
	ReasonGateway       = "gateway_error"
	ReasonEmptyResponse = "empty_response"
	ReasonTransport     = "transport_error"
	ReasonStore         = "store_error"
)
