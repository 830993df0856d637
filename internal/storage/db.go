package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
)

var (
	ErrNotInitialized = errors.New("storage: database not initialized")
	ErrClosed         = errors.New("storage: database is closed")
)

// maxInParams bounds the number of bound parameters in one IN (...) list.
const maxInParams = 500

// Database is the embedded library mirror. It must be initialized before use;
// Initialize is idempotent and safe to call from several goroutines.
type Database struct {
	path      string
	enableWAL bool
	debug     bool
	log       *logrus.Entry

	initMu sync.Mutex
	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	playlistLocks sync.Map
}

func NewDatabase(cfg *config.Config, logger *logrus.Logger) *Database {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Database{
		path:      cfg.Storage.DatabasePath,
		enableWAL: cfg.Storage.EnableWAL,
		debug:     cfg.Debug,
		log:       logger.WithField("component", "storage"),
	}
}

// Initialize opens (or creates) the backing file, applies pending migrations and
// clears a running flag left behind by a previous process. Concurrent callers block
// until the first one finishes; after success every call is a no-op. A failed
// attempt leaves the database uninitialized so it can be retried.
func (d *Database) Initialize(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.mu.RLock()
	closed, ready := d.closed, d.db != nil
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	db, err := d.open(ctx)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		d.closeQuietly(db)
		return fmt.Errorf("run migrations: %w", err)
	}

	// No sync can be alive before this process has finished initializing, so a
	// persisted running flag is always left over from a crash.
	if _, err := db.ExecContext(ctx, `UPDATE sync_status SET running = 0 WHERE id = 1`); err != nil {
		d.closeQuietly(db)
		return fmt.Errorf("clear stale sync flag: %w", err)
	}

	d.mu.Lock()
	d.db = db
	d.mu.Unlock()

	d.log.WithField("path", d.path).Debug("Database initialized")
	return nil
}

func (d *Database) open(ctx context.Context) (*sql.DB, error) {
	if _, err := os.Stat(d.path); os.IsNotExist(err) {
		d.log.Infof("Creating new database at %s", d.path)
	}

	db, err := sql.Open("sqlite", d.path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA temp_store=memory",
		"PRAGMA cache_size=-64000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}
	if d.enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			d.closeQuietly(db)
			return nil, fmt.Errorf("execute pragma %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		d.closeQuietly(db)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func (d *Database) closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		d.log.WithError(err).Warn("Failed to close database")
	}
}

func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// conn returns the live handle or the reason there is none.
func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}
	if d.db == nil {
		return nil, ErrNotInitialized
	}
	return d.db, nil
}

// withTx runs fn inside a transaction and commits if it returns nil.
func (d *Database) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			d.log.WithError(rollbackErr).Warnf("Failed to rollback %s", op)
		}
	}()

	if err := fn(tx); err != nil {
		d.debugLog(op, err, time.Since(start))
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func (d *Database) debugLog(operation string, err error, duration time.Duration) {
	if !d.debug || err == nil {
		return
	}
	d.log.WithFields(logrus.Fields{
		"op":       operation,
		"duration": duration,
	}).WithError(err).Debug("Database operation failed")
}

func (d *Database) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		d.log.WithError(err).Warn("Failed to close rows")
	}
}

// playlistLock serializes membership rewrites of one playlist.
func (d *Database) playlistLock(playlistID string) *sync.Mutex {
	lock, _ := d.playlistLocks.LoadOrStore(playlistID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunks splits ids into slices no longer than maxInParams.
func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxInParams {
		out = append(out, ids[:maxInParams])
		ids = ids[maxInParams:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type scanner interface {
	Scan(dest ...interface{}) error
}
