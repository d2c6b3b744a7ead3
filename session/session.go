// Package session persists the single logged in session of the local user.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

//go:generate mockgen -source=session.go -destination=mocks/mocks.go -package=mocks Store

const (
	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600
)

var (
	// ErrCorrupt is returned by Load when a stored session exists but cannot be parsed.
	ErrCorrupt = errors.New("stored session is corrupt")

	// ErrInvalidRecord is returned by Save for a record that could not be loaded back.
	ErrInvalidRecord = errors.New("session record is missing its did or access token")

	// ErrIO wraps filesystem and database failures while saving, loading or clearing.
	ErrIO = errors.New("session storage failure")
)

// Record is the only durable proof of being logged in. Only tokens issued by the server are
// stored here, never the password or the DPoP private key.
type Record struct {
	Did         string `json:"did"`
	Handle      string `json:"handle"`
	AccessJwt   string `json:"access_jwt"`
	RefreshJwt  string `json:"refresh_jwt"`
	PdsEndpoint string `json:"pds_endpoint,omitempty"`
}

// validate holds Save and Load to the same rule, so anything saved loads back unchanged.
func (r *Record) validate() error {
	if r == nil || r.Did == "" || r.AccessJwt == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store holds at most one Record. Load returns (nil, nil) when nothing has been saved.
type Store interface {
	Save(rec *Record) error
	Load() (*Record, error)
	Clear() error
}

// LastHandle is the handle of the saved session, or "" when there is none or it can't be read.
func LastHandle(s Store) string {
	rec, err := s.Load()
	if err != nil || rec == nil {
		return ""
	}
	return rec.Handle
}

// DefaultDir is ~/.config/skyauth.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "skyauth"), nil
}

// ensureDir creates dir and forces owner-only access even if it already existed with a looser mode.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("%w: failed to create session directory: %w", ErrIO, err)
	}

	if err := os.Chmod(dir, dirMode); err != nil {
		return fmt.Errorf("%w: failed to restrict session directory: %w", ErrIO, err)
	}

	return nil
}
