package sshtunnel

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/gluk-w/aicli/internal/logutil"
)

// ErrorKind classifies why a tunnel failed to start.
type ErrorKind int

const (
	KindPortUnavailable ErrorKind = iota + 1
	KindSpawnFailure
	KindAuthenticationFailure
	KindReadinessTimeout
	KindAlreadyActive
)

func (k ErrorKind) String() string {
	switch k {
	case KindPortUnavailable:
		return "port_unavailable"
	case KindSpawnFailure:
		return "spawn_failure"
	case KindAuthenticationFailure:
		return "authentication_failure"
	case KindReadinessTimeout:
		return "readiness_timeout"
	case KindAlreadyActive:
		return "already_active"
	default:
		return "unknown"
	}
}

// TunnelError is returned for every failed start. Diagnostic holds whatever
// the ssh process wrote to stderr, sanitized and truncated.
type TunnelError struct {
	Kind       ErrorKind
	Message    string
	Diagnostic string
	Err        error
}

func (e *TunnelError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += " (" + e.Diagnostic + ")"
	}
	return msg
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Is matches any TunnelError of the same kind, so callers can use
// errors.Is(err, ErrAuthenticationFailure).
func (e *TunnelError) Is(target error) bool {
	t, ok := target.(*TunnelError)
	return ok && t.Kind == e.Kind
}

var (
	ErrPortUnavailable       = &TunnelError{Kind: KindPortUnavailable, Message: "local port unavailable"}
	ErrSpawnFailure          = &TunnelError{Kind: KindSpawnFailure, Message: "ssh failed to start"}
	ErrAuthenticationFailure = &TunnelError{Kind: KindAuthenticationFailure, Message: "ssh authentication failed"}
	ErrReadinessTimeout      = &TunnelError{Kind: KindReadinessTimeout, Message: "tunnel not ready before timeout"}
	ErrAlreadyActive         = &TunnelError{Kind: KindAlreadyActive, Message: "tunnel already active"}
)

// KindOf returns the kind of the first TunnelError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var te *TunnelError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// authFailureMarkers are matched case-insensitively against ssh stderr.
// This is a heuristic over OpenSSH's human-readable output.
var authFailureMarkers = []string{
	"permission denied",
	"authentication failed",
	"too many authentication failures",
	"no supported authentication methods",
}

func looksLikeAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range authFailureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyExit builds the error for an ssh process that exited before the
// tunnel became ready.
func classifyExit(waitErr error, stderr string) *TunnelError {
	diag := logutil.Diagnostic(stderr)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && looksLikeAuthFailure(stderr) {
		return &TunnelError{Kind: KindAuthenticationFailure, Message: "ssh authentication failed", Diagnostic: diag, Err: waitErr}
	}
	if waitErr == nil {
		return &TunnelError{Kind: KindSpawnFailure, Message: "ssh exited during startup", Diagnostic: diag}
	}
	return &TunnelError{Kind: KindSpawnFailure, Message: "ssh exited during startup", Diagnostic: diag, Err: waitErr}
}
