package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const (
	upsertArtist = `
		INSERT OR REPLACE INTO artists (id, name, image_tag, album_count, song_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	upsertAlbum = `
		INSERT OR REPLACE INTO albums (
			id, name, album_artist, album_artist_id, production_year, image_tag, child_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	upsertTrack = `
		INSERT OR REPLACE INTO tracks (
			id, name, artists, album_id, album_name, album_artist, index_number,
			disc_number, run_time_ticks, image_tag, media_sources, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectArtists = `SELECT id, name, image_tag, album_count, song_count, updated_at FROM artists`

	selectAlbums = `
		SELECT id, name, album_artist, album_artist_id, production_year, image_tag, child_count, updated_at
		FROM albums`

	selectTracks = `
		SELECT id, name, artists, album_id, album_name, album_artist, index_number,
		       disc_number, run_time_ticks, image_tag, media_sources, updated_at
		FROM tracks`
)

// SaveArtists upserts by id. Rows missing from artists are left alone.
func (d *Database) SaveArtists(ctx context.Context, artists []*types.Artist) error {
	if len(artists) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	return d.withTx(ctx, "SaveArtists", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertArtist)
		if err != nil {
			return fmt.Errorf("prepare artist upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range artists {
			if a == nil || a.ID == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, a.ID, a.Name, a.ImageTag, a.AlbumCount, a.SongCount, now); err != nil {
				return fmt.Errorf("save artist %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

func (d *Database) SaveAlbums(ctx context.Context, albums []*types.Album) error {
	if len(albums) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	return d.withTx(ctx, "SaveAlbums", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertAlbum)
		if err != nil {
			return fmt.Errorf("prepare album upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range albums {
			if a == nil || a.ID == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx,
				a.ID, a.Name, a.AlbumArtist, a.AlbumArtistID, a.ProductionYear, a.ImageTag, a.ChildCount, now,
			); err != nil {
				return fmt.Errorf("save album %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// SaveTracks upserts by id. Placeholder tracks are never persisted.
func (d *Database) SaveTracks(ctx context.Context, tracks []*types.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	return d.withTx(ctx, "SaveTracks", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertTrack)
		if err != nil {
			return fmt.Errorf("prepare track upsert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tracks {
			if t == nil || t.ID == "" || t.IsPlaceholder {
				continue
			}
			if err := saveTrack(ctx, stmt, t, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveTrack(ctx context.Context, stmt *sql.Stmt, t *types.Track, now int64) error {
	artists := t.Artists
	if artists == nil {
		artists = []string{}
	}
	artistsJSON, err := json.Marshal(artists)
	if err != nil {
		return fmt.Errorf("marshal artists for %s: %w", t.ID, err)
	}

	sources := t.MediaSources
	if sources == nil {
		sources = []types.MediaSource{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal media sources for %s: %w", t.ID, err)
	}

	if _, err := stmt.ExecContext(ctx,
		t.ID, t.Name, string(artistsJSON), t.AlbumID, t.AlbumName, t.AlbumArtist, t.IndexNumber,
		t.DiscNumber, t.RunTimeTicks, t.ImageTag, string(sourcesJSON), now,
	); err != nil {
		return fmt.Errorf("save track %s: %w", t.ID, err)
	}
	return nil
}

func (d *Database) GetArtists(ctx context.Context) ([]*types.Artist, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectArtists+` ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("query artists: %w", err)
	}
	defer d.closeRows(rows)

	artists := []*types.Artist{}
	for rows.Next() {
		a, err := scanArtist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artist: %w", err)
		}
		artists = append(artists, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return artists, nil
}

func (d *Database) GetAlbums(ctx context.Context) ([]*types.Album, error) {
	return d.queryAlbums(ctx, selectAlbums+` ORDER BY name COLLATE NOCASE`)
}

// GetAlbumByID returns nil, nil when the album is not mirrored.
func (d *Database) GetAlbumByID(ctx context.Context, id string) (*types.Album, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	album, err := scanAlbum(db.QueryRowContext(ctx, selectAlbums+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get album %s: %w", id, err)
	}
	return album, nil
}

func (d *Database) queryAlbums(ctx context.Context, query string, args ...interface{}) ([]*types.Album, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query albums: %w", err)
	}
	defer d.closeRows(rows)

	albums := []*types.Album{}
	for rows.Next() {
		a, err := scanAlbum(rows)
		if err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		albums = append(albums, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return albums, nil
}

// GetAlbumIDsWithCachedTracks lists albums that have at least one mirrored track.
func (d *Database) GetAlbumIDsWithCachedTracks(ctx context.Context) ([]string, error) {
	return d.queryStrings(ctx, `SELECT DISTINCT album_id FROM tracks WHERE album_id <> '' ORDER BY album_id`)
}

func (d *Database) GetAlbumTracks(ctx context.Context, albumID string) ([]*types.Track, error) {
	return d.queryTracks(ctx,
		selectTracks+` WHERE album_id = ? ORDER BY disc_number, index_number, name COLLATE NOCASE`, albumID)
}

func (d *Database) GetAlbumTrackIDs(ctx context.Context, albumID string) ([]string, error) {
	return d.queryStrings(ctx,
		`SELECT id FROM tracks WHERE album_id = ? ORDER BY disc_number, index_number`, albumID)
}

func (d *Database) GetAllTracks(ctx context.Context) ([]*types.Track, error) {
	return d.queryTracks(ctx, selectTracks+` ORDER BY name COLLATE NOCASE`)
}

// GetTrack returns nil, nil when the track is not mirrored.
func (d *Database) GetTrack(ctx context.Context, id string) (*types.Track, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	track, err := scanTrack(db.QueryRowContext(ctx, selectTracks+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	return track, nil
}

// GetTracksByIDs returns the mirrored subset of ids in the order they were asked
// for. Unknown and duplicate ids are dropped.
func (d *Database) GetTracksByIDs(ctx context.Context, ids []string) ([]*types.Track, error) {
	if len(ids) == 0 {
		return []*types.Track{}, nil
	}

	byID := make(map[string]*types.Track, len(ids))
	for _, chunk := range chunks(ids) {
		tracks, err := d.queryTracks(ctx,
			selectTracks+` WHERE id IN (`+placeholders(len(chunk))+`)`, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for _, t := range tracks {
			byID[t.ID] = t
		}
	}

	out := make([]*types.Track, 0, len(byID))
	seen := make(map[string]bool, len(byID))
	for _, id := range ids {
		if t, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *Database) queryTracks(ctx context.Context, query string, args ...interface{}) ([]*types.Track, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer d.closeRows(rows)

	tracks := []*types.Track{}
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tracks, nil
}

func (d *Database) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer d.closeRows(rows)

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func scanArtist(s scanner) (*types.Artist, error) {
	var a types.Artist
	var updated int64
	if err := s.Scan(&a.ID, &a.Name, &a.ImageTag, &a.AlbumCount, &a.SongCount, &updated); err != nil {
		return nil, err
	}
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func scanAlbum(s scanner) (*types.Album, error) {
	var a types.Album
	var updated int64
	if err := s.Scan(
		&a.ID, &a.Name, &a.AlbumArtist, &a.AlbumArtistID, &a.ProductionYear, &a.ImageTag, &a.ChildCount, &updated,
	); err != nil {
		return nil, err
	}
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func scanTrack(s scanner) (*types.Track, error) {
	var t types.Track
	var artistsJSON, sourcesJSON string
	var updated int64

	if err := s.Scan(
		&t.ID, &t.Name, &artistsJSON, &t.AlbumID, &t.AlbumName, &t.AlbumArtist, &t.IndexNumber,
		&t.DiscNumber, &t.RunTimeTicks, &t.ImageTag, &sourcesJSON, &updated,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(artistsJSON), &t.Artists); err != nil {
		return nil, fmt.Errorf("unmarshal artists for %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &t.MediaSources); err != nil {
		return nil, fmt.Errorf("unmarshal media sources for %s: %w", t.ID, err)
	}
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
