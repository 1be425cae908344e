package common

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind is the machine-readable class of a per-job failure.
type Kind string

const (
	KindSubjectNotFound   Kind = "SubjectNotFound"
	KindSubjectLocked     Kind = "SubjectLocked"
	KindMissingSourceKey  Kind = "MissingSourceKey"
	KindDownloadFailed    Kind = "DownloadFailed"
	KindSizeExceeded      Kind = "SizeExceeded"
	KindExtractionTimeout Kind = "ExtractionTimeout"
	KindExtractionFailed  Kind = "ExtractionFailed"
	KindPersistFailure    Kind = "PersistFailure"
	KindInternal          Kind = "Internal"
)

// JobError tags an error with the Kind that drives the retry decision.
type JobError struct {
	Kind Kind
	Err  error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError wraps err with kind.
func NewJobError(kind Kind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// JobErrorf builds a JobError from a formatted message.
func JobErrorf(kind Kind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, or KindInternal when none is present.
func KindOf(err error) Kind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindInternal
}

// Retryable reports whether another attempt could change the outcome.
func Retryable(kind Kind) bool {
	switch kind {
	case KindSubjectNotFound, KindSubjectLocked, KindMissingSourceKey, KindSizeExceeded:
		return false
	default:
		return true
	}
}

// UserMessage renders err as "<Kind>: <message>" for progress snapshots, bounded in length.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		if je.Err == nil {
			return string(je.Kind)
		}
		return fmt.Sprintf("%s: %s", je.Kind, clip(je.Err.Error()))
	}
	return fmt.Sprintf("%s: %s", KindInternal, clip(err.Error()))
}

const maxUserMessage = 500

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxUserMessage {
		return s
	}
	n := maxUserMessage
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
