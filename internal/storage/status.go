package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

var countQueries = map[types.EntityKind]string{
	types.EntityArtists:       `SELECT COUNT(*) FROM artists`,
	types.EntityAlbums:        `SELECT COUNT(*) FROM albums`,
	types.EntityTracks:        `SELECT COUNT(*) FROM tracks`,
	types.EntityPlaylists:     `SELECT COUNT(*) FROM playlists`,
	types.EntityPlaylistItems: `SELECT COUNT(*) FROM playlist_items`,
	types.EntityFavorites:     `SELECT COUNT(*) FROM favorites`,
	types.EntityDownloads:     `SELECT COUNT(*) FROM downloads`,
}

// Count returns the number of mirrored rows of one entity kind.
func (d *Database) Count(ctx context.Context, kind types.EntityKind) (int, error) {
	query, ok := countQueries[kind]
	if !ok {
		return 0, fmt.Errorf("count: unknown entity kind %d", kind)
	}
	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

// GetSyncStatus reads the persisted sync record; entity counts are computed live.
func (d *Database) GetSyncStatus(ctx context.Context) (*types.SyncStatus, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	var status types.SyncStatus
	var lastFull, lastIncremental int64
	if err := db.QueryRowContext(ctx, `
		SELECT s.last_full_sync, s.last_incremental_sync, s.running,
		       (SELECT COUNT(*) FROM artists),
		       (SELECT COUNT(*) FROM albums),
		       (SELECT COUNT(*) FROM tracks),
		       (SELECT COUNT(*) FROM playlists)
		FROM sync_status s WHERE s.id = 1`,
	).Scan(
		&lastFull, &lastIncremental, &status.Running,
		&status.ArtistsCount, &status.AlbumsCount, &status.TracksCount, &status.PlaylistsCount,
	); err != nil {
		return nil, fmt.Errorf("get sync status: %w", err)
	}

	status.LastFullSync = fromMillis(lastFull)
	status.LastIncrementalSync = fromMillis(lastIncremental)
	return &status, nil
}

func (d *Database) SetSyncRunning(ctx context.Context, running bool) error {
	return d.execStatus(ctx, `UPDATE sync_status SET running = ? WHERE id = 1`, running)
}

func (d *Database) RecordFullSync(ctx context.Context, at time.Time) error {
	return d.execStatus(ctx, `UPDATE sync_status SET last_full_sync = ? WHERE id = 1`, toMillis(at))
}

func (d *Database) RecordIncrementalSync(ctx context.Context, at time.Time) error {
	return d.execStatus(ctx, `UPDATE sync_status SET last_incremental_sync = ? WHERE id = 1`, toMillis(at))
}

func (d *Database) execStatus(ctx context.Context, query string, arg interface{}) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, arg); err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	return nil
}

// ClearAll wipes every mirrored row and resets sync metadata. Download rows and
// downloaded collections are left alone; they describe files on disk and are
// removed together with them by the download manager.
func (d *Database) ClearAll(ctx context.Context) error {
	return d.withTx(ctx, "ClearAll", func(tx *sql.Tx) error {
		for _, table := range []string{
			"artists", "albums", "tracks", "playlists", "playlist_items",
			"playlist_item_state", "favorites",
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_status SET last_full_sync = 0, last_incremental_sync = 0, running = 0 WHERE id = 1`,
		); err != nil {
			return fmt.Errorf("reset sync status: %w", err)
		}
		return nil
	})
}
