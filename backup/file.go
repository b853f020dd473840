package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/justapithecus/flume/iox"
	"github.com/justapithecus/flume/log"
)

// FileStore persists chunks as files in a backup directory.
//
// Open memory-maps the file read-only with private (copy-on-write)
// semantics, so replay never touches the on-disk bytes even if the
// callback's consumer misbehaves.
type FileStore struct {
	dir    string
	prefix string
	logger *log.Logger
}

// Verify FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir, prefix string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: backup dir is required", ErrInvalidParams)
	}
	if prefix == "" {
		return nil, fmt.Errorf("%w: backup prefix is required", ErrInvalidParams)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, wrapError("init", dir, err)
	}
	return &FileStore{dir: dir, prefix: prefix, logger: logger}, nil
}

// Save persists data under a fresh generation for the given params.
func (s *FileStore) Save(_ context.Context, params []string, data []byte) error {
	name := encodeFileName(s.prefix, params)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return wrapError("save", name, err)
	}
	s.logger.Debug("chunk saved", map[string]any{"file": name, "bytes": len(data)})
	return nil
}

// SavedBuffers enumerates persisted chunks matching the store's prefix.
// Files with undecodable names are skipped with a warning rather than
// failing the whole scan.
func (s *FileStore) SavedBuffers(_ context.Context) ([]SavedBuffer, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, wrapError("scan", s.dir, err)
	}

	var saved []SavedBuffer
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		params, ok, err := parseFileName(s.prefix, entry.Name())
		if err != nil {
			s.logger.Warn("skipping undecodable backup file", map[string]any{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		saved = append(saved, &savedFile{
			path:   filepath.Join(s.dir, entry.Name()),
			name:   entry.Name(),
			params: params,
		})
	}
	return saved, nil
}

// savedFile is one chunk persisted by FileStore.
type savedFile struct {
	path   string
	name   string
	params []string
}

// Verify savedFile implements SavedBuffer.
var _ SavedBuffer = (*savedFile)(nil)

// Name returns the filename.
func (f *savedFile) Name() string { return f.name }

// Open memory-maps the file and yields its bytes to fn.
// The mapping is PROT_READ + MAP_PRIVATE: read-only, copy-on-write.
func (f *savedFile) Open(_ context.Context, fn func(params []string, data []byte) error) error {
	file, err := os.Open(f.path)
	if err != nil {
		return wrapError("open", f.name, err)
	}
	defer iox.DiscardClose(file)

	info, err := file.Stat()
	if err != nil {
		return wrapError("open", f.name, err)
	}
	size := info.Size()
	if size == 0 {
		return fn(f.params, nil)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return wrapError("open", f.name, err)
	}
	defer func() { _ = unix.Munmap(data) }()

	return fn(f.params, data)
}

// Remove deletes the file.
func (f *savedFile) Remove(_ context.Context) error {
	if err := os.Remove(f.path); err != nil {
		return wrapError("remove", f.name, err)
	}
	return nil
}
