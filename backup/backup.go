// Package backup persists sealed chunk bytes across restarts.
//
// A Store writes one file (or object) per saved chunk and enumerates them
// back on startup. The filename encodes the chunk's params — for the event
// buffer that is the single tag string — plus a generation identifier:
//
//	<prefix>_<encoded-params>_<generation>.buf
//
// Params are joined with "#" and percent-encoded so that the separator,
// the "_" field delimiter, and filesystem-hostile bytes round-trip exactly.
package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Store persists sealed chunks and enumerates them for replay.
type Store interface {
	// SavedBuffers enumerates persisted chunks matching the store's prefix.
	SavedBuffers(ctx context.Context) ([]SavedBuffer, error)

	// Save persists data under a fresh generation for the given params.
	Save(ctx context.Context, params []string, data []byte) error
}

// SavedBuffer is one persisted chunk.
type SavedBuffer interface {
	// Name is the file or object name, for logging.
	Name() string

	// Open yields the decoded params and the chunk bytes to fn.
	// The byte slice is only valid for the duration of the call.
	Open(ctx context.Context, fn func(params []string, data []byte) error) error

	// Remove deletes the persisted chunk.
	Remove(ctx context.Context) error
}

const (
	fileSuffix     = ".buf"
	paramSeparator = "#"
)

// encodeFileName builds the filename for a fresh save.
func encodeFileName(prefix string, params []string) string {
	encoded := make([]string, len(params))
	for i, p := range params {
		encoded[i] = escapeParam(p)
	}
	return prefix + "_" + strings.Join(encoded, paramSeparator) + "_" + uuid.NewString() + fileSuffix
}

// parseFileName recovers params from a filename produced by encodeFileName.
// Returns false if the name does not belong to this prefix.
func parseFileName(prefix, name string) ([]string, bool, error) {
	if !strings.HasPrefix(name, prefix+"_") || !strings.HasSuffix(name, fileSuffix) {
		return nil, false, nil
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"_"), fileSuffix)
	// The generation identifier never contains "_", so the last field is
	// always the generation and everything before it is the param block.
	sep := strings.LastIndex(rest, "_")
	if sep < 0 {
		return nil, false, fmt.Errorf("%w: malformed name %q", ErrInvalidParams, name)
	}
	encoded := rest[:sep]
	parts := strings.Split(encoded, paramSeparator)
	params := make([]string, len(parts))
	for i, p := range parts {
		decoded, err := unescapeParam(p)
		if err != nil {
			return nil, false, fmt.Errorf("%w: name %q: %v", ErrInvalidParams, name, err)
		}
		params[i] = decoded
	}
	return params, true, nil
}

const hexDigits = "0123456789ABCDEF"

// escapeParam percent-encodes every byte outside [A-Za-z0-9.-].
// "_" and "#" must be escaped because they delimit filename fields;
// the rest is escaped to keep names safe on any filesystem.
func escapeParam(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// unescapeParam reverses escapeParam.
func unescapeParam(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape %q in %q", s[i:i+3], s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
