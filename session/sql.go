package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const sessionDbName = "session.db"

// singleton primary key, the table never holds more than one row
const sessionRowId = 1

type sessionRow struct {
	ID          uint `gorm:"primaryKey"`
	Did         string
	Handle      string
	AccessJwt   string
	RefreshJwt  string
	PdsEndpoint string
}

func (sessionRow) TableName() string {
	return "sessions"
}

// SQLStore keeps the session in a sqlite database inside the session directory. The database is
// opened lazily; a file sqlite can't read is reported as ErrCorrupt by Load and replaced by the next
// Save or Clear.
type SQLStore struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
	db *gorm.DB
}

func NewSQLStore(dir string, l *slog.Logger) (*SQLStore, error) {
	if l == nil {
		l = slog.Default()
	}

	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	s := &SQLStore{
		dir:    dir,
		logger: l.With("component", "session", "backend", "sqlite"),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn(); err != nil {
		s.logger.Warn("session database is unusable, it will be replaced on the next save", "error", err)
	}

	return s, nil
}

func (s *SQLStore) Path() string {
	return filepath.Join(s.dir, sessionDbName)
}

// conn returns the open database, opening and migrating it first if needed. Callers hold s.mu.
func (s *SQLStore) conn() (*gorm.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	if err := ensureDir(s.dir); err != nil {
		return nil, err
	}

	// an existing file that sqlite can't use is a corrupt session, not an io failure
	openErr := ErrIO
	if _, err := os.Stat(s.Path()); err == nil {
		openErr = ErrCorrupt
	}

	// an in-memory rollback journal keeps sqlite from leaving -journal files under the umask
	db, err := gorm.Open(sqlite.Open(s.Path()+"?_journal_mode=MEMORY"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open session database: %w", openErr, err)
	}

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("%w: failed to migrate session database: %w", openErr, err)
	}

	if err := s.restrict(); err != nil {
		closeDB(db)
		return nil, err
	}

	s.db = db

	return db, nil
}

// reset throws away an unusable database file and starts over with an empty one. Callers hold s.mu.
func (s *SQLStore) reset() (*gorm.DB, error) {
	if s.db != nil {
		closeDB(s.db)
		s.db = nil
	}

	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(s.Path() + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: failed to remove corrupt session database: %w", ErrIO, err)
		}
	}

	s.logger.Warn("replaced corrupt session database")

	return s.conn()
}

// writable is conn, except a corrupt database is replaced instead of reported. Callers hold s.mu.
func (s *SQLStore) writable() (*gorm.DB, error) {
	db, err := s.conn()
	if errors.Is(err, ErrCorrupt) {
		return s.reset()
	}
	return db, err
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *SQLStore) restrict() error {
	if err := ensureDir(s.dir); err != nil {
		return err
	}

	if err := os.Chmod(s.Path(), fileMode); err != nil {
		return fmt.Errorf("%w: failed to restrict session database: %w", ErrIO, err)
	}

	return nil
}

func (s *SQLStore) Save(rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.writable()
	if err != nil {
		return err
	}

	row := &sessionRow{
		ID:          sessionRowId,
		Did:         rec.Did,
		Handle:      rec.Handle,
		AccessJwt:   rec.AccessJwt,
		RefreshJwt:  rec.RefreshJwt,
		PdsEndpoint: rec.PdsEndpoint,
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error; err != nil {
		return fmt.Errorf("%w: failed to save session: %w", ErrIO, err)
	}

	if err := s.restrict(); err != nil {
		return err
	}

	s.logger.Info("session saved", "did", rec.Did, "handle", rec.Handle)

	return nil
}

func (s *SQLStore) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var row sessionRow
	err = db.First(&row, sessionRowId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	rec := &Record{
		Did:         row.Did,
		Handle:      row.Handle,
		AccessJwt:   row.AccessJwt,
		RefreshJwt:  row.RefreshJwt,
		PdsEndpoint: row.PdsEndpoint,
	}

	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return rec, nil
}

func (s *SQLStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.writable()
	if err != nil {
		return err
	}

	if err := db.Delete(&sessionRow{}, sessionRowId).Error; err != nil {
		return fmt.Errorf("%w: failed to clear session: %w", ErrIO, err)
	}

	s.logger.Info("session cleared")

	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil

	return sqlDB.Close()
}
