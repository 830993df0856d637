package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmt    string
}

// migrations are applied in order and recorded in schema_migrations. Never edit a
// released entry; append a new one instead.
var migrations = []migration{
	{1, "create library tables", createLibraryTables},
	{2, "create membership and favorites", createMembershipTables},
	{3, "create downloads and sync status", createDownloadTables},
	{4, "create indexes", createIndexes},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// Rollback after Commit returns sql.ErrTxDone, which is expected here.
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixMilli(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);
`

const createLibraryTables = `
CREATE TABLE IF NOT EXISTS artists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	image_tag TEXT NOT NULL DEFAULT '',
	album_count INTEGER NOT NULL DEFAULT 0,
	song_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS albums (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	album_artist TEXT NOT NULL DEFAULT '',
	album_artist_id TEXT NOT NULL DEFAULT '',
	production_year INTEGER NOT NULL DEFAULT 0,
	image_tag TEXT NOT NULL DEFAULT '',
	child_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tracks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	artists TEXT NOT NULL DEFAULT '[]',
	album_id TEXT NOT NULL DEFAULT '',
	album_name TEXT NOT NULL DEFAULT '',
	album_artist TEXT NOT NULL DEFAULT '',
	index_number INTEGER NOT NULL DEFAULT 0,
	disc_number INTEGER NOT NULL DEFAULT 0,
	run_time_ticks INTEGER NOT NULL DEFAULT 0,
	image_tag TEXT NOT NULL DEFAULT '',
	media_sources TEXT NOT NULL DEFAULT '[]',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS playlists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	child_count INTEGER NOT NULL DEFAULT 0,
	cumulative_run_time_ticks INTEGER NOT NULL DEFAULT 0,
	image_tag TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

const createMembershipTables = `
CREATE TABLE IF NOT EXISTS playlist_items (
	playlist_id TEXT NOT NULL,
	playlist_item_id TEXT NOT NULL,
	track_id TEXT NOT NULL,
	sort_index INTEGER NOT NULL,
	PRIMARY KEY (playlist_id, sort_index)
);

CREATE TABLE IF NOT EXISTS playlist_item_state (
	playlist_id TEXT PRIMARY KEY,
	replaced_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS favorites (
	track_id TEXT PRIMARY KEY,
	updated_at INTEGER NOT NULL
);
`

const createDownloadTables = `
CREATE TABLE IF NOT EXISTS downloads (
	track_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	relative_path TEXT NOT NULL,
	container TEXT NOT NULL DEFAULT '',
	bitrate INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	downloaded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS downloaded_collections (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_full_sync INTEGER NOT NULL DEFAULT 0,
	last_incremental_sync INTEGER NOT NULL DEFAULT 0,
	running INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO sync_status (id) VALUES (1);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_playlist_items_track ON playlist_items(track_id);
CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id);
CREATE INDEX IF NOT EXISTS idx_tracks_name ON tracks(name);
CREATE INDEX IF NOT EXISTS idx_albums_name ON albums(name);
CREATE INDEX IF NOT EXISTS idx_artists_name ON artists(name);
CREATE INDEX IF NOT EXISTS idx_playlists_name ON playlists(name);
`
