package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const sessionFileName = "session.json"

// FileStore keeps the session as JSON in a single owner-only file.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "session", "backend", "file"),
	}
}

func (f *FileStore) Path() string {
	return filepath.Join(f.dir, sessionFileName)
}

func (f *FileStore) Save(rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	if err := ensureDir(f.dir); err != nil {
		return err
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, sessionFileName+".*")
	if err != nil {
		return fmt.Errorf("%w: failed to create session file: %w", ErrIO, err)
	}
	tmpName := tmp.Name()

	// CreateTemp already uses 0600, set it anyway so the umask can't widen it
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to restrict session file: %w", ErrIO, err)
	}

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to write session file: %w", ErrIO, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to write session file: %w", ErrIO, err)
	}

	if err := os.Rename(tmpName, f.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to replace session file: %w", ErrIO, err)
	}

	if err := os.Chmod(f.Path(), fileMode); err != nil {
		return fmt.Errorf("%w: failed to restrict session file: %w", ErrIO, err)
	}

	f.logger.Info("session saved", "did", rec.Did, "handle", rec.Handle)

	return nil
}

func (f *FileStore) Load() (*Record, error) {
	b, err := os.ReadFile(f.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read session file: %w", ErrIO, err)
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return &rec, nil
}

func (f *FileStore) Clear() error {
	err := os.Remove(f.Path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove session file: %w", ErrIO, err)
	}

	f.logger.Info("session cleared")

	return nil
}
