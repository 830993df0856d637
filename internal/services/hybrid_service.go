package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/search"
	"github.com/Alexander-D-Karpov/ampfin/internal/storage"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

// ErrOffline is returned by write operations while the server is unreachable.
var ErrOffline = errors.New("services: server is offline")

const defaultMembershipConcurrency = 25

// HybridService is the read path used by every consumer. Each read is served from
// the local mirror when the server is unreachable or the mirror already holds rows
// of that kind; otherwise the server is asked and the answer is persisted before it
// is returned. Mirrored rows may be stale between sync passes.
type HybridService struct {
	remote types.RemoteClient
	store  *storage.Database
	search *search.Engine
	conn   types.Connectivity
	bus    *events.Bus
	log    *logrus.Entry

	membershipConcurrency int
}

// NewHybridService builds the read path. engine and cfg may be nil; the
// membership fan-out follows sync.playlist_concurrency.
func NewHybridService(
	remote types.RemoteClient,
	store *storage.Database,
	engine *search.Engine,
	conn types.Connectivity,
	cfg *config.Config,
	bus *events.Bus,
	logger *logrus.Logger,
) *HybridService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if engine == nil {
		engine = search.NewEngine(store)
	}
	concurrency := defaultMembershipConcurrency
	if cfg != nil && cfg.Sync.PlaylistConcurrency > 0 {
		concurrency = cfg.Sync.PlaylistConcurrency
	}
	return &HybridService{
		remote:                remote,
		store:                 store,
		search:                engine,
		conn:                  conn,
		bus:                   bus,
		log:                   logger.WithField("component", "hybrid"),
		membershipConcurrency: concurrency,
	}
}

func (s *HybridService) offline() bool {
	return s.conn != nil && s.conn.IsOffline()
}

// preferLocal reports whether reads of kind should be answered from the mirror.
func (s *HybridService) preferLocal(ctx context.Context, kind types.EntityKind) (bool, error) {
	if s.offline() {
		return true, nil
	}
	n, err := s.store.Count(ctx, kind)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// readThrough implements the cache-aside rule for whole-collection reads.
func readThrough[T any](
	ctx context.Context,
	s *HybridService,
	kind types.EntityKind,
	local func(context.Context) ([]T, error),
	remote func(context.Context) ([]T, error),
	save func(context.Context, []T) error,
) ([]T, error) {
	useLocal, err := s.preferLocal(ctx, kind)
	if err != nil {
		return nil, err
	}
	if useLocal {
		return local(ctx)
	}

	items, err := remote(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	if err := save(ctx, items); err != nil {
		s.log.WithError(err).WithField("kind", kind.String()).Warn("Failed to persist remote rows")
	}
	return items, nil
}

func (s *HybridService) GetArtists(ctx context.Context) ([]*types.Artist, error) {
	return readThrough(ctx, s, types.EntityArtists,
		s.store.GetArtists,
		func(ctx context.Context) ([]*types.Artist, error) {
			return s.remote.FetchArtists(ctx, types.FetchOptions{})
		},
		s.store.SaveArtists,
	)
}

func (s *HybridService) GetAlbums(ctx context.Context) ([]*types.Album, error) {
	return readThrough(ctx, s, types.EntityAlbums,
		s.store.GetAlbums,
		func(ctx context.Context) ([]*types.Album, error) {
			return s.remote.FetchAlbums(ctx, types.FetchOptions{})
		},
		s.store.SaveAlbums,
	)
}

func (s *HybridService) GetPlaylists(ctx context.Context) ([]*types.Playlist, error) {
	return readThrough(ctx, s, types.EntityPlaylists,
		s.store.GetPlaylists,
		func(ctx context.Context) ([]*types.Playlist, error) {
			return s.remote.FetchPlaylists(ctx, types.FetchOptions{})
		},
		s.store.SavePlaylists,
	)
}

// GetAlbum returns nil, nil for an album neither mirrored nor known remotely.
func (s *HybridService) GetAlbum(ctx context.Context, albumID string) (*types.Album, error) {
	album, err := s.store.GetAlbumByID(ctx, albumID)
	if err != nil || album != nil {
		return album, err
	}

	albums, err := s.GetAlbums(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range albums {
		if a.ID == albumID {
			return a, nil
		}
	}
	return nil, nil
}

// GetAlbumTracks serves an album's tracks from the mirror once any are cached.
func (s *HybridService) GetAlbumTracks(ctx context.Context, albumID string) ([]*types.Track, error) {
	tracks, err := s.store.GetAlbumTracks(ctx, albumID)
	if err != nil {
		return nil, err
	}
	if len(tracks) > 0 || s.offline() {
		return tracks, nil
	}

	tracks, err = s.remote.FetchTracksForAlbum(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("fetch album tracks: %w", err)
	}
	if err := s.store.SaveTracks(ctx, tracks); err != nil {
		s.log.WithError(err).WithField("album_id", albumID).Warn("Failed to persist album tracks")
	}
	if tracks == nil {
		tracks = []*types.Track{}
	}
	return tracks, nil
}

func (s *HybridService) GetPlaylist(ctx context.Context, playlistID string) (*types.Playlist, error) {
	p, err := s.store.GetPlaylistByID(ctx, playlistID)
	if err != nil || p != nil {
		return p, err
	}

	playlists, err := s.GetPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range playlists {
		if candidate.ID == playlistID {
			return candidate, nil
		}
	}
	return nil, nil
}

// GetPlaylistTracks returns the ordered entries of a playlist. Entries whose track
// is not mirrored carry a placeholder track holding only its id.
func (s *HybridService) GetPlaylistTracks(ctx context.Context, playlistID string) ([]*types.PlaylistItem, error) {
	cached, err := s.store.HasPlaylistItems(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	if !cached && !s.offline() {
		items, err := s.remote.FetchPlaylistItems(ctx, playlistID)
		if err != nil {
			return nil, fmt.Errorf("fetch playlist items: %w", err)
		}
		if _, err := s.store.SavePlaylistItems(ctx, playlistID, items); err != nil {
			s.log.WithError(err).WithField("playlist_id", playlistID).Warn("Failed to persist playlist items")
		}
		if items == nil {
			items = []*types.PlaylistItem{}
		}
		return items, nil
	}

	entries, err := s.store.GetPlaylistEntries(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.TrackID)
	}
	tracks, err := s.store.GetTracksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Track, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}

	items := make([]*types.PlaylistItem, 0, len(entries))
	for _, e := range entries {
		track, ok := byID[e.TrackID]
		if !ok {
			track = types.PlaceholderTrack(e.TrackID)
		}
		items = append(items, &types.PlaylistItem{PlaylistItemID: e.PlaylistItemID, Track: track})
	}
	return items, nil
}

// GetFavorites returns favorite tracks, most recently mirrored first.
func (s *HybridService) GetFavorites(ctx context.Context) ([]*types.Track, error) {
	return readThrough(ctx, s, types.EntityFavorites,
		s.localFavorites,
		s.remote.FetchFavorites,
		func(ctx context.Context, tracks []*types.Track) error {
			if err := s.store.SaveTracks(ctx, tracks); err != nil {
				return err
			}
			return s.store.ReplaceFavorites(ctx, trackIDs(tracks))
		},
	)
}

func (s *HybridService) localFavorites(ctx context.Context) ([]*types.Track, error) {
	ids, err := s.store.GetFavoriteTrackIDs(ctx)
	if err != nil {
		return nil, err
	}
	tracks, err := s.store.GetTracksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Track, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}
	out := make([]*types.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		} else {
			out = append(out, types.PlaceholderTrack(id))
		}
	}
	return out, nil
}

// SearchTracks ranks the mirror locally, or asks the server while nothing is
// mirrored yet.
func (s *HybridService) SearchTracks(ctx context.Context, query string, limit int) ([]*types.Track, error) {
	return readThrough(ctx, s, types.EntityTracks,
		func(ctx context.Context) ([]*types.Track, error) {
			return s.search.SearchTracks(ctx, query, limit)
		},
		func(ctx context.Context) ([]*types.Track, error) {
			if query == "" {
				return []*types.Track{}, nil
			}
			return s.remote.SearchTracks(ctx, query, limit)
		},
		s.store.SaveTracks,
	)
}

// Search ranks mirrored tracks, albums and artists; limit applies per kind. While
// no tracks are mirrored and the server is reachable, tracks come from the server.
func (s *HybridService) Search(ctx context.Context, query string, limit int) (*search.Results, error) {
	results, err := s.search.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	useLocal, err := s.preferLocal(ctx, types.EntityTracks)
	if err != nil {
		return nil, err
	}
	if !useLocal {
		if results.Tracks, err = s.SearchTracks(ctx, query, limit); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// GetTrackPlaylistMembership answers which playlists contain trackID. Membership
// of candidate playlists that has never been mirrored is fetched first, with
// bounded concurrency; a nil candidates list means every known playlist.
func (s *HybridService) GetTrackPlaylistMembership(ctx context.Context, trackID string, candidates []string) (map[string]types.Membership, error) {
	if !s.offline() {
		if err := s.ensureMembership(ctx, candidates); err != nil {
			return nil, err
		}
	}
	return s.store.GetTrackPlaylistMembership(ctx, trackID)
}

func (s *HybridService) ensureMembership(ctx context.Context, candidates []string) error {
	if candidates == nil {
		playlists, err := s.GetPlaylists(ctx)
		if err != nil {
			return err
		}
		for _, p := range playlists {
			candidates = append(candidates, p.ID)
		}
	}

	var missing []string
	for _, id := range candidates {
		cached, err := s.store.HasPlaylistItems(ctx, id)
		if err != nil {
			return err
		}
		if !cached {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	s.log.WithField("playlists", len(missing)).Debug("Fetching uncached playlist membership")

	var mu sync.Mutex
	fetched := make(map[string][]*types.PlaylistItem, len(missing))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.membershipConcurrency)
	for _, id := range missing {
		id := id
		g.Go(func() error {
			items, err := s.remote.FetchPlaylistItems(gctx, id)
			if err != nil {
				return fmt.Errorf("fetch items of playlist %s: %w", id, err)
			}
			mu.Lock()
			fetched[id] = items
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, id := range missing {
		if _, err := s.store.SavePlaylistItems(ctx, id, fetched[id]); err != nil {
			return err
		}
	}
	return nil
}

// IsFavorite answers from the mirror once favorites have been synced.
func (s *HybridService) IsFavorite(ctx context.Context, trackID string) (bool, error) {
	useLocal, err := s.preferLocal(ctx, types.EntityFavorites)
	if err != nil {
		return false, err
	}
	if useLocal {
		return s.store.IsFavorite(ctx, trackID)
	}

	favorite, err := s.remote.CheckIsFavorite(ctx, trackID)
	if err != nil {
		return false, fmt.Errorf("check favorite: %w", err)
	}
	if favorite {
		if err := s.store.SetFavorite(ctx, trackID, true); err != nil {
			s.log.WithError(err).Warn("Failed to mirror favorite flag")
		}
	}
	return favorite, nil
}

func trackIDs(tracks []*types.Track) []string {
	ids := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if t != nil && t.ID != "" && !t.IsPlaceholder {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
