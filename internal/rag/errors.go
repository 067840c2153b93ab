package rag

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrorKind says which part of answering a question failed.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindRetrieval    ErrorKind = "retrieval"
	KindGeneration   ErrorKind = "generation"
	KindTimeout      ErrorKind = "timeout"
	KindQuota        ErrorKind = "quota"
	KindMalformed    ErrorKind = "malformed"
)

var (
	ErrEmptyQuestion   = errors.New("question is empty")
	ErrIndexNotBuilt   = errors.New("document index is not built")
	ErrEmptyCompletion = errors.New("model returned an empty completion")
)

// Error is the typed failure of Chain.Answer.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a chain error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ragErr *Error
	if errors.As(err, &ragErr) {
		return ragErr.Kind
	}
	return ""
}

var (
	// openai-compatible clients report "unexpected status code: 429"
	quotaStatus  = regexp.MustCompile(`\bstatus(?: code)?:? 429\b|\b429 too many requests\b`)
	quotaMarkers = []string{"quota", "rate limit", "insufficient credits"}
)

// classify turns an upstream error into a typed one. Deadlines and quota
// responses win over the stage the error came from.
func classify(stage ErrorKind, err error) *Error {
	var ragErr *Error
	if errors.As(err, &ragErr) {
		stage = ragErr.Kind
		err = ragErr.Err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if quotaStatus.MatchString(msg) {
		return &Error{Kind: KindQuota, Err: err}
	}
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return &Error{Kind: KindQuota, Err: err}
		}
	}
	return &Error{Kind: stage, Err: err}
}
