package services

import (
	"context"
	"errors"
	"net"
	"strings"
)

// NotFound class: surfaced directly to the caller, never retried.
var (
	ErrRunNotFound     = errors.New("workflow run not found")
	ErrStepNotFound    = errors.New("workflow step not found")
	ErrStoryNotFound   = errors.New("story not found")
	ErrContextNotFound = errors.New("story context not found")
)

// ErrDegenerateCompletion marks a stateful provider call that returned no
// usable content. Handlers retry once statelessly before treating the step
// as failed.
var ErrDegenerateCompletion = errors.New("provider returned empty completion")

// IsTransient reports whether err looks like a connectivity/timeout class
// persistence failure worth a bounded retry. NotFound errors are never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrStoryNotFound) || errors.Is(err, ErrContextNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"too many connections",
		"database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
