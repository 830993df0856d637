package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const (
	upsertPlaylist = `
		INSERT OR REPLACE INTO playlists (id, name, child_count, cumulative_run_time_ticks, image_tag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	selectPlaylists = `
		SELECT id, name, child_count, cumulative_run_time_ticks, image_tag, updated_at
		FROM playlists`
)

func (d *Database) SavePlaylists(ctx context.Context, playlists []*types.Playlist) error {
	if len(playlists) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	return d.withTx(ctx, "SavePlaylists", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertPlaylist)
		if err != nil {
			return fmt.Errorf("prepare playlist upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range playlists {
			if p == nil || p.ID == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx,
				p.ID, p.Name, p.ChildCount, p.CumulativeRunTimeTicks, p.ImageTag, now,
			); err != nil {
				return fmt.Errorf("save playlist %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func (d *Database) GetPlaylists(ctx context.Context) ([]*types.Playlist, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectPlaylists+` ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("query playlists: %w", err)
	}
	defer d.closeRows(rows)

	playlists := []*types.Playlist{}
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan playlist: %w", err)
		}
		playlists = append(playlists, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return playlists, nil
}

// GetPlaylistByID returns nil, nil when the playlist is not mirrored.
func (d *Database) GetPlaylistByID(ctx context.Context, id string) (*types.Playlist, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	p, err := scanPlaylist(db.QueryRowContext(ctx, selectPlaylists+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get playlist %s: %w", id, err)
	}
	return p, nil
}

// ReplacePlaylistItems swaps the whole membership of one playlist in a single
// transaction. Sort indexes are rewritten to 0..n-1 in the given order. Readers
// see either the old rows or the new ones, never a mix.
func (d *Database) ReplacePlaylistItems(ctx context.Context, playlistID string, entries []types.PlaylistEntry) error {
	lock := d.playlistLock(playlistID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UnixMilli()

	return d.withTx(ctx, "ReplacePlaylistItems", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_items WHERE playlist_id = ?`, playlistID); err != nil {
			return fmt.Errorf("delete playlist items: %w", err)
		}

		if len(entries) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO playlist_items (playlist_id, playlist_item_id, track_id, sort_index) VALUES (?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare playlist item insert: %w", err)
			}
			defer stmt.Close()

			for i, e := range entries {
				if _, err := stmt.ExecContext(ctx, playlistID, e.PlaylistItemID, e.TrackID, i); err != nil {
					return fmt.Errorf("insert playlist item %d: %w", i, err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO playlist_item_state (playlist_id, replaced_at) VALUES (?, ?)`,
			playlistID, now,
		); err != nil {
			return fmt.Errorf("mark playlist items cached: %w", err)
		}
		return nil
	})
}

// SavePlaylistItems mirrors a freshly fetched playlist: member tracks are upserted,
// membership is replaced and the playlist counters are recomputed. It returns the
// number of entries stored.
func (d *Database) SavePlaylistItems(ctx context.Context, playlistID string, items []*types.PlaylistItem) (int, error) {
	tracks := make([]*types.Track, 0, len(items))
	entries := make([]types.PlaylistEntry, 0, len(items))
	var ticks int64

	for _, item := range items {
		if item == nil || item.Track == nil || item.Track.ID == "" {
			continue
		}
		tracks = append(tracks, item.Track)
		entries = append(entries, types.PlaylistEntry{
			PlaylistID:     playlistID,
			PlaylistItemID: item.PlaylistItemID,
			TrackID:        item.Track.ID,
		})
		ticks += item.Track.RunTimeTicks
	}

	if err := d.SaveTracks(ctx, tracks); err != nil {
		return 0, err
	}
	if err := d.ReplacePlaylistItems(ctx, playlistID, entries); err != nil {
		return 0, err
	}
	if err := d.UpdatePlaylistStats(ctx, playlistID, len(entries), ticks); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (d *Database) UpdatePlaylistStats(ctx context.Context, playlistID string, childCount int, cumulativeTicks int64) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE playlists SET child_count = ?, cumulative_run_time_ticks = ? WHERE id = ?`,
		childCount, cumulativeTicks, playlistID,
	); err != nil {
		return fmt.Errorf("update playlist stats %s: %w", playlistID, err)
	}
	return nil
}

// GetTrackPlaylistMembership returns, per playlist containing trackID, the entry
// ids under which the track appears (in playlist order).
func (d *Database) GetTrackPlaylistMembership(ctx context.Context, trackID string) (map[string]types.Membership, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT playlist_id, playlist_item_id FROM playlist_items WHERE track_id = ? ORDER BY playlist_id, sort_index`,
		trackID)
	if err != nil {
		return nil, fmt.Errorf("query track membership: %w", err)
	}
	defer d.closeRows(rows)

	membership := make(map[string]types.Membership)
	for rows.Next() {
		var playlistID, entryID string
		if err := rows.Scan(&playlistID, &entryID); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m := membership[playlistID]
		if m.PlaylistItemID == "" {
			m.PlaylistItemID = entryID
		}
		m.EntryIDs = append(m.EntryIDs, entryID)
		membership[playlistID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return membership, nil
}

// HasPlaylistItemsCached reports whether any playlist's membership has been
// mirrored, including playlists that turned out to be empty.
func (d *Database) HasPlaylistItemsCached(ctx context.Context) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS(SELECT 1 FROM playlist_item_state)`)
}

func (d *Database) HasPlaylistItems(ctx context.Context, playlistID string) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS(SELECT 1 FROM playlist_item_state WHERE playlist_id = ?)`, playlistID)
}

func (d *Database) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	db, err := d.conn()
	if err != nil {
		return false, err
	}

	var found bool
	if err := db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("check existence: %w", err)
	}
	return found, nil
}

func (d *Database) GetPlaylistEntries(ctx context.Context, playlistID string) ([]types.PlaylistEntry, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT playlist_id, playlist_item_id, track_id, sort_index
		 FROM playlist_items WHERE playlist_id = ? ORDER BY sort_index`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("query playlist entries: %w", err)
	}
	defer d.closeRows(rows)

	entries := []types.PlaylistEntry{}
	for rows.Next() {
		var e types.PlaylistEntry
		if err := rows.Scan(&e.PlaylistID, &e.PlaylistItemID, &e.TrackID, &e.SortIndex); err != nil {
			return nil, fmt.Errorf("scan playlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

// GetPlaylistTrackIDs lists each distinct member track once, in first-seen order.
func (d *Database) GetPlaylistTrackIDs(ctx context.Context, playlistID string) ([]string, error) {
	return d.queryStrings(ctx,
		`SELECT track_id FROM playlist_items WHERE playlist_id = ?
		 GROUP BY track_id ORDER BY MIN(sort_index)`, playlistID)
}

// DeletePlaylist removes the playlist row together with its membership.
func (d *Database) DeletePlaylist(ctx context.Context, playlistID string) error {
	lock := d.playlistLock(playlistID)
	lock.Lock()
	defer lock.Unlock()

	return d.withTx(ctx, "DeletePlaylist", func(tx *sql.Tx) error {
		return deletePlaylistInTx(ctx, tx, playlistID)
	})
}

// PruneMissingPlaylists deletes every mirrored playlist whose id is not in keep and
// returns how many were removed.
func (d *Database) PruneMissingPlaylists(ctx context.Context, keep []string) (int, error) {
	existing, err := d.queryStrings(ctx, `SELECT id FROM playlists`)
	if err != nil {
		return 0, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	var stale []string
	for _, id := range existing {
		if _, ok := keepSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = d.withTx(ctx, "PruneMissingPlaylists", func(tx *sql.Tx) error {
		for _, id := range stale {
			if err := deletePlaylistInTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func deletePlaylistInTx(ctx context.Context, tx *sql.Tx, playlistID string) error {
	for _, query := range []string{
		`DELETE FROM playlist_items WHERE playlist_id = ?`,
		`DELETE FROM playlist_item_state WHERE playlist_id = ?`,
		`DELETE FROM playlists WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, playlistID); err != nil {
			return fmt.Errorf("delete playlist %s: %w", playlistID, err)
		}
	}
	return nil
}

func scanPlaylist(s scanner) (*types.Playlist, error) {
	var p types.Playlist
	var updated int64
	if err := s.Scan(&p.ID, &p.Name, &p.ChildCount, &p.CumulativeRunTimeTicks, &p.ImageTag, &updated); err != nil {
		return nil, err
	}
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
