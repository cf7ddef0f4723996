package capture

import (
	"errors"
	"fmt"
)

// Well-known capture error codes. Drivers may report others.
const (
	CodeNoSpeech             = "no-speech"
	CodeAborted              = "aborted"
	CodeAudioCapture         = "audio-capture"
	CodeNetwork              = "network"
	CodeNotAllowed           = "not-allowed"
	CodeServiceNotAllowed    = "service-not-allowed"
	CodeLanguageNotSupported = "language-not-supported"
	CodeUnsupported          = "unsupported"
)

// Error is a capture failure reported by a driver.
type Error struct {
	// Code is a short machine-readable identifier, e.g. CodeNoSpeech.
	Code string

	// Detail is a human-readable explanation. May be empty.
	Detail string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Detail == "" {
		return "capture: " + e.Code
	}
	return fmt.Sprintf("capture: %s: %s", e.Code, e.Detail)
}

// NewError builds an *Error.
func NewError(code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Category is the severity the voice loop assigns to a capture error code.
type Category int

const (
	// CategoryFatal stops the loop and surfaces a message.
	CategoryFatal Category = iota

	// CategoryRecoverable is retried silently after a debounce.
	CategoryRecoverable

	// CategoryIgnored is dropped; the end-of-attempt callback decides what
	// happens next.
	CategoryIgnored
)

// String returns the category name used in logs and metrics.
func (c Category) String() string {
	switch c {
	case CategoryRecoverable:
		return "recoverable"
	case CategoryIgnored:
		return "ignored"
	default:
		return "fatal"
	}
}

// Classifier maps error codes to categories. Codes absent from the table are
// fatal.
type Classifier map[string]Category

// DefaultClassifier returns the standard table: "no-speech" is recoverable,
// "aborted" is ignored, everything else is fatal.
func DefaultClassifier() Classifier {
	return Classifier{
		CodeNoSpeech: CategoryRecoverable,
		CodeAborted:  CategoryIgnored,
	}
}

// Classify returns the category for code.
func (c Classifier) Classify(code string) Category {
	if cat, ok := c[code]; ok {
		return cat
	}
	return CategoryFatal
}

// ClassifyErr categorizes an error returned by Driver.Start or delivered via
// OnError. Errors that are not an *Error are fatal.
func (c Classifier) ClassifyErr(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return c.Classify(ce.Code)
	}
	return CategoryFatal
}

// With returns a copy of c with the given overrides applied.
func (c Classifier) With(overrides map[string]Category) Classifier {
	out := make(Classifier, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ParseCategory converts a configuration string into a Category.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "fatal":
		return CategoryFatal, nil
	case "recoverable":
		return CategoryRecoverable, nil
	case "ignored":
		return CategoryIgnored, nil
	default:
		return CategoryFatal, fmt.Errorf("capture: unknown category %q", s)
	}
}
