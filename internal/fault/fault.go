// Package fault classifies the ways a voice turn can fail.
package fault

import (
	"errors"
	"fmt"
)

// Kind names one class of turn failure. The value doubles as the error_event code.
type Kind string

const (
	AudioUnavailable  Kind = "audio_unavailable"
	RecognitionFailed Kind = "recognition_failed"
	DispatchFailed    Kind = "dispatch_failed"
	MalformedResponse Kind = "malformed_response"
	PlaybackFailed    Kind = "playback_failed"
)

// Error is a classified failure with enough metadata to build an error_event.
type Error struct {
	Kind      Kind
	Source    string
	Retryable bool
	Detail    string
	Cause     error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Source != "" {
		s = e.Source + ": " + s
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error without an underlying cause.
func New(kind Kind, source, detail string) *Error {
	return &Error{Kind: kind, Source: source, Detail: detail}
}

// Newf creates an Error with a formatted detail.
func Newf(kind Kind, source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(err error, kind Kind, source string) *Error {
	return &Error{Kind: kind, Source: source, Cause: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a classified failure marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
