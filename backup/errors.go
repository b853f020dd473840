// Sentinel errors and wrappers for classifying backup store failures.
// These enable callers to use errors.Is/errors.As for typed assertions
// rather than string matching.

package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Sentinel errors for store failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrInvalidParams indicates a saved name whose params could not be
	// decoded or carried the wrong arity for the caller.
	ErrInvalidParams = errors.New("invalid backup params")

	// ErrPermissionDenied indicates a permission/access failure (EACCES, 403).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the target path/object does not exist (ENOENT, 404).
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates authentication failure (no credentials, expired token).
	ErrAuth = errors.New("authentication failed")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")
)

// StoreError wraps an underlying error with backup store classification.
// It preserves the original error in the chain for inspection via errors.As.
type StoreError struct {
	// Kind is the sentinel error for classification (e.g., ErrNotFound).
	Kind error
	// Op is the operation that failed (e.g., "save", "scan", "open", "remove").
	Op string
	// Name is the file or object involved, if any.
	Name string
	// Err is the underlying error.
	Err error
}

func (e *StoreError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrapError classifies and wraps a store operation error.
// Returns nil if err is nil.
func wrapError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: classifyError(err), Op: op, Name: name, Err: err}
}

// errorPattern pairs a set of message substrings with a sentinel error.
// Order matters: more-specific patterns must appear before general ones.
type errorPattern struct {
	patterns []string
	kind     error
}

// classifierTable is a declarative list of error message patterns for
// failures that surface without typed Go errors (chiefly the S3 SDK).
// Entries are checked in order; the first match wins.
var classifierTable = []errorPattern{
	{[]string{"AccessDenied", "Forbidden", "403", "permission denied", "EACCES"}, ErrPermissionDenied},
	{[]string{"no such file", "does not exist", "not found", "ENOENT", "404", "NoSuchKey", "NoSuchBucket"}, ErrNotFound},
	{[]string{"no space left", "disk full", "ENOSPC", "quota exceeded"}, ErrDiskFull},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrTimeout},
	{[]string{"SlowDown", "rate exceeded", "throttl", "429", "TooManyRequests"}, ErrThrottled},
	{[]string{"NoCredentialProviders", "credentials", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "401", "Unauthorized"}, ErrAuth},
	{[]string{"connection refused", "no route to host", "network unreachable",
		"DNS", "dial tcp", "i/o timeout"}, ErrNetwork},
}

// classifyError determines the appropriate sentinel error for the given error.
// Typed errors are checked first, then the classifier table.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrPermissionDenied
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	errStr := strings.ToLower(err.Error())
	for _, entry := range classifierTable {
		for _, sub := range entry.patterns {
			if strings.Contains(errStr, strings.ToLower(sub)) {
				return entry.kind
			}
		}
	}

	return errors.New("backup store error")
}
