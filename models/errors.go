package models

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSubscriptionID = errors.New("duplicate subscription id")
	ErrUnsupportedStreamKind   = errors.New("unsupported stream kind")
	ErrUnidentifiedMessage     = errors.New("unidentified message")
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrSequenceGap             = errors.New("sequence gap")
	ErrTransport               = errors.New("transport error")
)

// UnidentifiedMessageError is returned for frames whose subscription id is
// not registered on the connection.
type UnidentifiedMessageError struct {
	Exchange string
	ID       SubscriptionID
}

func (e *UnidentifiedMessageError) Error() string {
	return fmt.Sprintf("%s: %s: %q", e.Exchange, ErrUnidentifiedMessage, e.ID)
}

func (e *UnidentifiedMessageError) Unwrap() error { return ErrUnidentifiedMessage }

// MalformedPayloadError describes a frame that could not be decoded.
// Critical is set when the bad field carried sequencing data.
type MalformedPayloadError struct {
	Field    string
	Value    string
	Critical bool
	Err      error
}

func NewMalformedPayload(field, value string, critical bool, err error) *MalformedPayloadError {
	return &MalformedPayloadError{Field: field, Value: value, Critical: critical, Err: err}
}

func (e *MalformedPayloadError) Error() string {
	msg := fmt.Sprintf("%s: field %s", ErrMalformedPayload, e.Field)
	if e.Value != "" {
		msg += fmt.Sprintf(" value %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedPayloadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedPayload}
	}
	return []error{ErrMalformedPayload, e.Err}
}

// SequenceGapError is a recoverable notification that a book lost
// continuity and needs a fresh snapshot.
type SequenceGapError struct {
	Stream       StreamID
	Subscription Subscription
	LastID       uint64
	ReceivedID   uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: %s on %s (last applied %d, received %d)",
		e.Stream, ErrSequenceGap, e.Subscription, e.LastID, e.ReceivedID)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }
