// Package download keeps offline copies of track media and the rows that
// describe them.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Alexander-D-Karpov/ampfin/internal/api"
	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/metrics"
	"github.com/Alexander-D-Karpov/ampfin/internal/storage"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const defaultMaxConcurrent = 3

type Manager struct {
	store    *storage.Database
	files    FileStorage
	catalog  Catalog
	resolver StreamResolver

	httpClient    *retryablehttp.Client
	userAgent     string
	maxConcurrent int

	tasks      sync.Map
	trackLocks sync.Map

	bus      *events.Bus
	recorder *metrics.Recorder
	log      *logrus.Entry
	debug    bool
}

func NewManager(
	store *storage.Database,
	files FileStorage,
	catalog Catalog,
	resolver StreamResolver,
	cfg *config.Config,
	logger *logrus.Logger,
	bus *events.Bus,
	recorder *metrics.Recorder,
) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	log := logger.WithField("component", "download")

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.Download.Retries
	httpClient.HTTPClient.Timeout = cfg.Download.Timeout
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	httpClient.Logger = nil
	if cfg.Debug {
		httpClient.Logger = api.NewLeveledLogger(log.WithField("transport", "http"))
	}

	maxConcurrent := cfg.Download.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	m := &Manager{
		store:         store,
		files:         files,
		catalog:       catalog,
		resolver:      resolver,
		httpClient:    httpClient,
		userAgent:     cfg.API.UserAgent,
		maxConcurrent: maxConcurrent,
		bus:           bus,
		recorder:      recorder,
		log:           log,
		debug:         cfg.Debug,
	}

	m.debugLog("Download manager initialized - max concurrent: %d, dir: %s", maxConcurrent, files.StorageDir())
	return m
}

func (m *Manager) debugLog(format string, args ...interface{}) {
	if m.debug {
		m.log.Debugf(format, args...)
	}
}

func (m *Manager) trackLock(trackID string) *sync.Mutex {
	lock, _ := m.trackLocks.LoadOrStore(trackID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// DownloadTrack fetches one track and records it. Downloading a track that is
// already present overwrites the previous copy.
func (m *Manager) DownloadTrack(ctx context.Context, req Request) error {
	if err := m.downloadOne(ctx, req); err != nil {
		return err
	}
	m.publish(events.DownloadsChange{TrackIDs: []string{req.TrackID}})
	return nil
}

func (m *Manager) downloadOne(ctx context.Context, req Request) (err error) {
	if err := req.validate(); err != nil {
		return err
	}

	lock := m.trackLock(req.TrackID)
	lock.Lock()
	defer lock.Unlock()

	log := m.log.WithField("track_id", req.TrackID)
	t := m.startTask(req)
	defer func() {
		m.finishTask(t, err)
		switch {
		case err == nil:
			m.recorder.Download("completed")
		case isCancellation(err):
			m.recorder.Download("cancelled")
		default:
			m.recorder.Download("failed")
			log.WithError(err).Warn("Download failed")
		}
	}()

	previous, err := m.store.GetDownload(ctx, req.TrackID)
	if err != nil {
		return err
	}

	t.setState(StateDownloading)
	relativePath := trackPath(req.TrackID, req.Container)
	size, err := m.performDownload(ctx, t, relativePath)
	if err != nil {
		return fmt.Errorf("download track %s: %w", req.TrackID, err)
	}

	if err := m.store.SaveDownload(ctx, &types.Download{
		TrackID:      req.TrackID,
		Name:         req.Name,
		RelativePath: relativePath,
		Container:    req.Container,
		Bitrate:      req.Bitrate,
		Size:         size,
	}); err != nil {
		return err
	}

	if previous != nil && previous.RelativePath != relativePath {
		if err := m.files.DeleteFile(previous.RelativePath); err != nil {
			log.WithError(err).Warn("Failed to remove previous copy")
		}
	}

	m.debugLog("Download completed: %s (%d bytes)", relativePath, size)
	return nil
}

// RemoveDownload deletes the local file and its row. Removing a track that is
// not downloaded is not an error.
func (m *Manager) RemoveDownload(ctx context.Context, trackID string) error {
	removed, err := m.removeOne(ctx, trackID)
	if err != nil {
		return err
	}
	if removed {
		m.publish(events.DownloadsChange{TrackIDs: []string{trackID}, Removed: true})
	}
	return nil
}

func (m *Manager) removeOne(ctx context.Context, trackID string) (bool, error) {
	lock := m.trackLock(trackID)
	lock.Lock()
	defer lock.Unlock()

	dl, err := m.store.GetDownload(ctx, trackID)
	if err != nil {
		return false, err
	}
	if dl == nil {
		return false, nil
	}

	if err := m.files.DeleteFile(dl.RelativePath); err != nil {
		return false, err
	}
	if err := m.store.DeleteDownload(ctx, trackID); err != nil {
		return false, err
	}
	return true, nil
}

// GetLocalURLForTrack returns a playable file URL, or "" when the track is not
// downloaded. A row whose file has disappeared is dropped on the way.
func (m *Manager) GetLocalURLForTrack(ctx context.Context, trackID string) (string, error) {
	dl, err := m.store.GetDownload(ctx, trackID)
	if err != nil || dl == nil {
		return "", err
	}

	ok, err := m.files.Exists(dl.RelativePath)
	if err != nil {
		return "", err
	}
	if !ok {
		m.log.WithField("track_id", trackID).Warn("Download row without file, removing")
		if err := m.store.DeleteDownload(ctx, trackID); err != nil {
			return "", err
		}
		m.publish(events.DownloadsChange{TrackIDs: []string{trackID}, Removed: true})
		return "", nil
	}
	return m.files.ResolveFileURL(dl.RelativePath), nil
}

func (m *Manager) IsDownloaded(ctx context.Context, trackID string) (bool, error) {
	u, err := m.GetLocalURLForTrack(ctx, trackID)
	return u != "", err
}

func (m *Manager) GetDownloads(ctx context.Context) ([]*types.Download, error) {
	return m.store.GetAllDownloads(ctx)
}

// IsCollectionDownloaded recomputes from current mirrored membership whether
// every track of an album, playlist or the favourites collection has a download
// row. Empty or unknown collections are never downloaded.
func (m *Manager) IsCollectionDownloaded(ctx context.Context, collectionID string) (bool, error) {
	ids, err := m.collectionTrackIDs(ctx, collectionID)
	if err != nil {
		if errors.Is(err, ErrUnknownCollection) {
			return false, nil
		}
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	downloaded, err := m.store.GetDownloadedTrackIDs(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if !downloaded[id] {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) collectionTrackIDs(ctx context.Context, collectionID string) ([]string, error) {
	if collectionID == types.FavouritesCollectionID {
		return m.store.GetFavoriteTrackIDs(ctx)
	}

	playlist, err := m.store.GetPlaylistByID(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if playlist != nil {
		return m.store.GetPlaylistTrackIDs(ctx, collectionID)
	}

	ids, err := m.store.GetAlbumTrackIDs(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		album, err := m.store.GetAlbumByID(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		if album == nil {
			return nil, ErrUnknownCollection
		}
	}
	return ids, nil
}

// DownloadPlaylistByID downloads every member of a playlist. Individual failures
// are counted, never returned; the error is reserved for failing to resolve the
// playlist itself or for ctx ending between tracks.
func (m *Manager) DownloadPlaylistByID(ctx context.Context, playlistID, name string) (*BatchResult, error) {
	items, err := m.catalog.GetPlaylistTracks(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("resolve playlist %s: %w", playlistID, err)
	}
	if name == "" {
		if p, err := m.catalog.GetPlaylist(ctx, playlistID); err == nil && p != nil {
			name = p.Name
		}
	}

	tracks := make([]*types.Track, 0, len(items))
	for _, item := range items {
		if item != nil && item.Track != nil {
			tracks = append(tracks, item.Track)
		}
	}
	return m.downloadCollection(ctx, types.DownloadedCollection{
		ID: playlistID, Kind: types.CollectionPlaylist, Name: name,
	}, tracks)
}

func (m *Manager) DownloadAlbumByID(ctx context.Context, albumID string) (*BatchResult, error) {
	tracks, err := m.catalog.GetAlbumTracks(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("resolve album %s: %w", albumID, err)
	}
	var name string
	if a, err := m.catalog.GetAlbum(ctx, albumID); err == nil && a != nil {
		name = a.Name
	}
	return m.downloadCollection(ctx, types.DownloadedCollection{
		ID: albumID, Kind: types.CollectionAlbum, Name: name,
	}, tracks)
}

func (m *Manager) DownloadFavorites(ctx context.Context) (*BatchResult, error) {
	tracks, err := m.catalog.GetFavorites(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve favourites: %w", err)
	}
	return m.downloadCollection(ctx, types.DownloadedCollection{
		ID: types.FavouritesCollectionID, Kind: types.CollectionFavourites, Name: "Favourites",
	}, tracks)
}

func (m *Manager) downloadCollection(ctx context.Context, collection types.DownloadedCollection, tracks []*types.Track) (*BatchResult, error) {
	log := m.log.WithFields(logrus.Fields{"collection": collection.ID, "kind": collection.Kind, "tracks": len(tracks)})
	log.Info("Downloading collection")

	if err := m.store.MarkCollectionDownloaded(ctx, collection); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tracks))
	for _, t := range tracks {
		ids = append(ids, t.ID)
	}
	present, err := m.store.GetDownloadedTrackIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Errors: make(map[string]error)}
	var mu sync.Mutex
	var fetched []string

	// In-flight transfers finish even if ctx ends; cancellation is observed
	// between tracks.
	transferCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(m.maxConcurrent)
	seen := make(map[string]struct{}, len(tracks))

	for _, track := range tracks {
		if _, dup := seen[track.ID]; dup || track.ID == "" {
			continue
		}
		seen[track.ID] = struct{}{}

		if ctx.Err() != nil || present[track.ID] {
			result.Skipped++
			continue
		}

		req := m.requestFor(track)
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}
			err := m.downloadOne(transferCtx, req)

			mu.Lock()
			defer mu.Unlock()
			result.add(req.TrackID, err)
			if err == nil {
				fetched = append(fetched, req.TrackID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(fetched) > 0 {
		m.publish(events.DownloadsChange{TrackIDs: fetched, CollectionID: collection.ID})
	}

	log.WithFields(logrus.Fields{
		"downloaded": result.Downloaded,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
	}).Info("Collection download finished")

	return result, ctx.Err()
}

func (m *Manager) requestFor(track *types.Track) Request {
	req := Request{TrackID: track.ID, Name: track.Name}
	if src := track.PrimarySource(); src != nil {
		req.Container = src.Container
		req.Bitrate = src.Bitrate
	}
	req.URL = m.resolver.StreamURL(track.ID, req.Container)
	return req
}

// RemovePlaylistDownloads removes the downloads of every current member of a
// playlist and forgets that the playlist was kept offline.
func (m *Manager) RemovePlaylistDownloads(ctx context.Context, playlistID string) (*BatchResult, error) {
	items, err := m.catalog.GetPlaylistTracks(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("resolve playlist %s: %w", playlistID, err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item != nil && item.Track != nil {
			ids = append(ids, item.Track.ID)
		}
	}
	return m.removeCollection(ctx, playlistID, ids)
}

func (m *Manager) RemoveAlbumDownloads(ctx context.Context, albumID string) (*BatchResult, error) {
	ids, err := m.store.GetAlbumTrackIDs(ctx, albumID)
	if err != nil {
		return nil, err
	}
	return m.removeCollection(ctx, albumID, ids)
}

func (m *Manager) removeCollection(ctx context.Context, collectionID string, trackIDs []string) (*BatchResult, error) {
	result := &BatchResult{Errors: make(map[string]error)}
	var removed []string

	for _, id := range trackIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ok, err := m.removeOne(ctx, id)
		if err != nil {
			result.Failed++
			result.Errors[id] = err
			continue
		}
		if ok {
			removed = append(removed, id)
			result.Removed++
		} else {
			result.Skipped++
		}
	}

	if err := m.store.UnmarkCollectionDownloaded(ctx, collectionID); err != nil {
		return result, err
	}
	m.publish(events.DownloadsChange{TrackIDs: removed, CollectionID: collectionID, Removed: true})
	return result, nil
}

// RemoveAllDownloads deletes every downloaded file and its row, then forgets
// every collection kept offline. Rows whose file could not be deleted are kept
// and reported in the result.
func (m *Manager) RemoveAllDownloads(ctx context.Context) (*BatchResult, error) {
	downloads, err := m.store.GetAllDownloads(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Errors: make(map[string]error)}
	var removed []string
	for _, dl := range downloads {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ok, err := m.removeOne(ctx, dl.TrackID)
		if err != nil {
			result.Failed++
			result.Errors[dl.TrackID] = err
			continue
		}
		if ok {
			removed = append(removed, dl.TrackID)
			result.Removed++
		} else {
			result.Skipped++
		}
	}

	if err := m.store.ClearDownloadedCollections(ctx); err != nil {
		return result, err
	}
	if len(removed) > 0 {
		m.publish(events.DownloadsChange{TrackIDs: removed, Removed: true})
	}
	m.log.WithFields(logrus.Fields{"removed": result.Removed, "failed": result.Failed}).Info("Removed all downloads")
	return result, nil
}

// OnDownloadsChanged registers cb and returns its unsubscribe func.
func (m *Manager) OnDownloadsChanged(cb func(events.DownloadsChange)) func() {
	return m.bus.Subscribe(events.DownloadsChanged, func(payload interface{}) {
		if change, ok := payload.(events.DownloadsChange); ok {
			cb(change)
		}
	})
}

func (m *Manager) publish(change events.DownloadsChange) {
	m.bus.Publish(events.DownloadsChanged, change)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
