package client

import "errors"

var (
	// ErrEmptyPrompt is returned before any browser work when the prompt is empty.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	// ErrClosed is returned by Query after Close.
	ErrClosed = errors.New("client is closed")
	// ErrSessionInit wraps browser launch failures.
	ErrSessionInit = errors.New("browser session init failed")
	// ErrNavigation wraps failures loading or submitting to the target page.
	ErrNavigation = errors.New("navigation failed")
	// ErrExtraction wraps failures reading the answer region.
	ErrExtraction = errors.New("answer extraction failed")
	// ErrTimeout reports a readiness wait that ran out before the element appeared.
	ErrTimeout = errors.New("timed out waiting for page element")
)
