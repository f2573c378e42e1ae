package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStart matches failures to launch the tool (missing binary, permission denied).
	ErrStart = errors.New("capture tool failed to start")
	// ErrProcess matches a tool run that exited with a non-zero status.
	ErrProcess = errors.New("capture tool exited with error")
	// ErrCanceled matches a run terminated through its context.
	ErrCanceled = errors.New("capture canceled")
	// ErrBrokenInvariant matches a split that reported success but produced no parts.
	ErrBrokenInvariant = errors.New("broken invariant")
)

// StartError reports that the child process could not be started.
type StartError struct {
	Binary string
	Err    error
}

func (e *StartError) Error() string        { return fmt.Sprintf("start %s: %v", e.Binary, e.Err) }
func (e *StartError) Unwrap() error        { return e.Err }
func (e *StartError) Is(target error) bool { return target == ErrStart }

// ProcessError reports a non-zero exit. Tail holds the last diagnostic lines.
type ProcessError struct {
	ExitCode int
	Tail     []string
}

func (e *ProcessError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, e.Tail[len(e.Tail)-1])
}
func (e *ProcessError) Is(target error) bool { return target == ErrProcess }

// BrokenInvariantError reports a split that produced nothing. Path is left on disk.
type BrokenInvariantError struct {
	Path   string
	Reason string
}

func (e *BrokenInvariantError) Error() string {
	return fmt.Sprintf("split %s: %s", e.Path, e.Reason)
}
func (e *BrokenInvariantError) Is(target error) bool { return target == ErrBrokenInvariant }

// FailureClass is a coarse reason derived from the tool's diagnostics, used in
// user-facing replies and as a metric label.
type FailureClass string

const (
	FailureAuth        FailureClass = "auth"
	FailureNotFound    FailureClass = "not_found"
	FailureNetwork     FailureClass = "network"
	FailureRateLimited FailureClass = "rate_limited"
	FailureUnsupported FailureClass = "unsupported"
	FailureUnknown     FailureClass = "unknown"
)

// Describe returns a short human phrase for the class.
func (c FailureClass) Describe() string {
	switch c {
	case FailureAuth:
		return "the source refused access"
	case FailureNotFound:
		return "the source was not found or has ended"
	case FailureNetwork:
		return "a network error interrupted the capture"
	case FailureRateLimited:
		return "the source is rate limiting requests"
	case FailureUnsupported:
		return "the source format is not supported"
	default:
		return "the capture tool reported an error"
	}
}

// ClassifyDiagnostics inspects tool output (most recent lines last) and returns the
// most specific failure class found. Server errors are checked before the generic
// auth/not-found patterns so "503 Service Unavailable" is not read as "unavailable".
func ClassifyDiagnostics(lines []string) FailureClass {
	lower := strings.ToLower(strings.Join(lines, "\n"))
	if lower == "" {
		return FailureUnknown
	}

	if containsAny(lower, "500 internal server error", "502 bad gateway", "503 service unavailable", "504 gateway timeout", "server returned 5") {
		return FailureNetwork
	}
	if containsAny(lower, "401 unauthorized", "403 forbidden", "server returned 401", "server returned 403", "access denied", "unauthorized") {
		return FailureAuth
	}
	if containsAny(lower, "404 not found", "server returned 404", "no such file or directory", "does not exist") {
		return FailureNotFound
	}
	if containsAny(lower, "server returned 429", "too many requests", "rate limit") {
		return FailureRateLimited
	}
	if containsAny(lower, "invalid data found when processing input", "protocol not found", "unknown format", "could not find codec parameters", "unsupported") {
		return FailureUnsupported
	}
	if containsAny(lower, "connection reset", "connection refused", "connection timed out", "timed out", "temporary failure in name resolution", "network is unreachable", "no route to host", "end of file", "broken pipe", "i/o error") {
		return FailureNetwork
	}
	return FailureUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
