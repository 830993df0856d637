package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const selectDownloads = `
	SELECT track_id, name, relative_path, container, bitrate, size, downloaded_at
	FROM downloads`

// SaveDownload records that a track's media now lives at d.RelativePath.
func (d *Database) SaveDownload(ctx context.Context, dl *types.Download) error {
	if dl == nil || dl.TrackID == "" {
		return fmt.Errorf("save download: missing track id")
	}
	db, err := d.conn()
	if err != nil {
		return err
	}

	downloadedAt := dl.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now()
	}

	if _, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads (track_id, name, relative_path, container, bitrate, size, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.TrackID, dl.Name, dl.RelativePath, dl.Container, dl.Bitrate, dl.Size, toMillis(downloadedAt),
	); err != nil {
		return fmt.Errorf("save download %s: %w", dl.TrackID, err)
	}
	return nil
}

// GetDownload returns nil, nil when the track has no download row.
func (d *Database) GetDownload(ctx context.Context, trackID string) (*types.Download, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	dl, err := scanDownload(db.QueryRowContext(ctx, selectDownloads+` WHERE track_id = ?`, trackID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get download %s: %w", trackID, err)
	}
	return dl, nil
}

func (d *Database) DeleteDownload(ctx context.Context, trackID string) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM downloads WHERE track_id = ?`, trackID); err != nil {
		return fmt.Errorf("delete download %s: %w", trackID, err)
	}
	return nil
}

func (d *Database) GetAllDownloads(ctx context.Context) ([]*types.Download, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectDownloads+` ORDER BY downloaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer d.closeRows(rows)

	downloads := []*types.Download{}
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		downloads = append(downloads, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return downloads, nil
}

// GetDownloadedTrackIDs returns the subset of trackIDs that have a download row.
func (d *Database) GetDownloadedTrackIDs(ctx context.Context, trackIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(trackIDs))
	for _, chunk := range chunks(trackIDs) {
		ids, err := d.queryStrings(ctx,
			`SELECT track_id FROM downloads WHERE track_id IN (`+placeholders(len(chunk))+`)`, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out[id] = true
		}
	}
	return out, nil
}

func (d *Database) MarkCollectionDownloaded(ctx context.Context, c types.DownloadedCollection) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO downloaded_collections (id, kind, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.Name, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("mark collection %s: %w", c.ID, err)
	}
	return nil
}

func (d *Database) UnmarkCollectionDownloaded(ctx context.Context, id string) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM downloaded_collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unmark collection %s: %w", id, err)
	}
	return nil
}

func (d *Database) ClearDownloadedCollections(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM downloaded_collections`); err != nil {
		return fmt.Errorf("clear downloaded collections: %w", err)
	}
	return nil
}

func (d *Database) GetDownloadedCollections(ctx context.Context) ([]types.DownloadedCollection, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, kind, name, created_at FROM downloaded_collections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query downloaded collections: %w", err)
	}
	defer d.closeRows(rows)

	collections := []types.DownloadedCollection{}
	for rows.Next() {
		var c types.DownloadedCollection
		var kind string
		var created int64
		if err := rows.Scan(&c.ID, &kind, &c.Name, &created); err != nil {
			return nil, fmt.Errorf("scan downloaded collection: %w", err)
		}
		c.Kind = types.CollectionKind(kind)
		c.CreatedAt = fromMillis(created)
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return collections, nil
}

// ReplaceFavorites makes the favorites table equal to trackIDs.
func (d *Database) ReplaceFavorites(ctx context.Context, trackIDs []string) error {
	now := time.Now().UnixMilli()

	return d.withTx(ctx, "ReplaceFavorites", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
			return fmt.Errorf("clear favorites: %w", err)
		}
		for _, id := range trackIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO favorites (track_id, updated_at) VALUES (?, ?)`, id, now,
			); err != nil {
				return fmt.Errorf("insert favorite %s: %w", id, err)
			}
		}
		return nil
	})
}

func (d *Database) SetFavorite(ctx context.Context, trackID string, favorite bool) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	if favorite {
		_, err = db.ExecContext(ctx,
			`INSERT OR REPLACE INTO favorites (track_id, updated_at) VALUES (?, ?)`, trackID, time.Now().UnixMilli())
	} else {
		_, err = db.ExecContext(ctx, `DELETE FROM favorites WHERE track_id = ?`, trackID)
	}
	if err != nil {
		return fmt.Errorf("set favorite %s: %w", trackID, err)
	}
	return nil
}

func (d *Database) IsFavorite(ctx context.Context, trackID string) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS(SELECT 1 FROM favorites WHERE track_id = ?)`, trackID)
}

func (d *Database) GetFavoriteTrackIDs(ctx context.Context) ([]string, error) {
	return d.queryStrings(ctx, `SELECT track_id FROM favorites ORDER BY updated_at DESC, track_id`)
}

func scanDownload(s scanner) (*types.Download, error) {
	var dl types.Download
	var downloaded int64
	if err := s.Scan(
		&dl.TrackID, &dl.Name, &dl.RelativePath, &dl.Container, &dl.Bitrate, &dl.Size, &downloaded,
	); err != nil {
		return nil, err
	}
	dl.DownloadedAt = fromMillis(downloaded)
	return &dl, nil
}
