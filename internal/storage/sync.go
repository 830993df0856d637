package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/metrics"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

var (
	ErrSyncRunning = errors.New("sync: a pass is already running")
	ErrSyncAborted = errors.New("sync: pass aborted")
)

const (
	StageArtists   = "artists"
	StageAlbums    = "albums"
	StageTracks    = "tracks"
	StagePlaylists = "playlists"
	StageFavorites = "favorites"
	StageComplete  = "complete"
)

type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncCompleted
	SyncAborted
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncCompleted:
		return "completed"
	case SyncAborted:
		return "aborted"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncStats contains statistics about a synchronization pass
type SyncStats struct {
	RunID           string
	Mode            events.SyncMode
	Skipped         bool
	Since           time.Time
	Artists         int
	Albums          int
	Tracks          int
	Playlists       int
	PlaylistItems   int
	Favorites       int
	PrunedPlaylists int
	StartTime       time.Time
	EndTime         time.Time
}

// SyncManager brings the local mirror in line with the media server. At most one
// pass runs at a time; a second start is rejected with ErrSyncRunning.
type SyncManager struct {
	remote  types.RemoteClient
	storage *Database
	cfg     *config.Config
	log     *logrus.Entry
	bus     *events.Bus
	metrics *metrics.Recorder
	now     func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	state  SyncState
	cancel context.CancelFunc

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}

	debug bool
}

// NewSyncManager creates a new sync manager with the given dependencies. bus and
// recorder may be nil.
func NewSyncManager(
	remote types.RemoteClient,
	storage *Database,
	cfg *config.Config,
	logger *logrus.Logger,
	bus *events.Bus,
	recorder *metrics.Recorder,
) *SyncManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &SyncManager{
		remote:  remote,
		storage: storage,
		cfg:     cfg,
		log:     logger.WithField("component", "sync"),
		bus:     bus,
		metrics: recorder,
		now:     time.Now,
		debug:   cfg.Debug,
	}
}

func (sm *SyncManager) debugLog(format string, args ...interface{}) {
	if sm.debug {
		sm.log.Debugf(format, args...)
	}
}

// FullSync re-fetches the whole library. Unless force is set, it returns a skipped
// result when the last full sync is younger than sync.full_sync_freshness.
func (sm *SyncManager) FullSync(ctx context.Context, force bool) (*SyncStats, error) {
	return sm.run(ctx, events.ModeFull, force)
}

// IncrementalSync fetches entities saved on the server since the previous pass.
func (sm *SyncManager) IncrementalSync(ctx context.Context) (*SyncStats, error) {
	return sm.run(ctx, events.ModeIncremental, true)
}

// Abort asks the running pass to stop at its next checkpoint. It reports whether
// a pass was running.
func (sm *SyncManager) Abort() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cancel == nil {
		return false
	}
	sm.log.Info("Abort requested")
	sm.cancel()
	return true
}

func (sm *SyncManager) State() SyncState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SyncManager) IsRunning() bool {
	return sm.running.Load()
}

// GetSyncStatus returns persisted sync metadata. The running flag reflects this
// process, never a value left in the database by an earlier one.
func (sm *SyncManager) GetSyncStatus(ctx context.Context) (*types.SyncStatus, error) {
	status, err := sm.storage.GetSyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	status.Running = sm.IsRunning()
	return status, nil
}

func (sm *SyncManager) OnProgress(callback func(events.ProgressUpdate)) func() {
	return sm.bus.Subscribe(events.SyncProgress, func(payload interface{}) {
		if update, ok := payload.(events.ProgressUpdate); ok {
			callback(update)
		}
	})
}

func (sm *SyncManager) OnSyncCompleted(callback func(events.SyncResult)) func() {
	return sm.bus.Subscribe(events.SyncCompleted, func(payload interface{}) {
		if result, ok := payload.(events.SyncResult); ok {
			callback(result)
		}
	})
}

// begin admits a pass. The running flag and the cancel func are published
// together, so an Abort that sees a running pass can always stop it.
func (sm *SyncManager) begin(ctx context.Context) (context.Context, context.CancelFunc, SyncState, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.running.CompareAndSwap(false, true) {
		return nil, nil, sm.state, false
	}
	passCtx, cancel := context.WithCancel(ctx)
	previous := sm.state
	sm.state = SyncRunning
	sm.cancel = cancel
	return passCtx, cancel, previous, true
}

func (sm *SyncManager) run(ctx context.Context, mode events.SyncMode, force bool) (*SyncStats, error) {
	passCtx, cancel, previous, ok := sm.begin(ctx)
	if !ok {
		return nil, ErrSyncRunning
	}
	defer sm.running.Store(false)
	defer cancel()

	start := sm.now()
	stats := &SyncStats{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartTime: start,
	}
	log := sm.log.WithFields(logrus.Fields{"run_id": stats.RunID, "mode": mode})

	status, err := sm.storage.GetSyncStatus(passCtx)
	if err != nil {
		if ctxErr := passCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, sm.finish(log, stats, fmt.Errorf("read sync status: %w", err))
	}

	if mode == events.ModeFull && !force && sm.isFresh(status.LastFullSync, start) {
		sm.log.WithField("last_full_sync", status.LastFullSync).Info("Skipping full sync, library is fresh")
		stats.Skipped = true
		stats.EndTime = start
		sm.setState(previous, nil)
		sm.metrics.SyncPass(string(mode), "skipped", 0)
		return stats, nil
	}

	if mode == events.ModeIncremental {
		stats.Since = status.LastIncrementalSync
		if status.LastFullSync.After(stats.Since) {
			stats.Since = status.LastFullSync
		}
	}

	log.Info("Sync started")

	if err := sm.storage.SetSyncRunning(passCtx, true); err != nil {
		return nil, sm.finish(log, stats, fmt.Errorf("mark sync running: %w", err))
	}
	defer func() {
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer clearCancel()
		if err := sm.storage.SetSyncRunning(clearCtx, false); err != nil {
			log.WithError(err).Warn("Failed to clear sync running flag")
		}
	}()

	steps := []struct {
		name string
		fn   func(context.Context, *SyncStats) error
	}{
		{StageArtists, sm.syncArtists},
		{StageAlbums, sm.syncAlbums},
		{StageTracks, sm.syncTracks},
		{StagePlaylists, sm.syncPlaylists},
		{StageFavorites, sm.syncFavorites},
	}

	for i, step := range steps {
		if err := passCtx.Err(); err != nil {
			return nil, sm.finish(log, stats, err)
		}

		sm.debugLog("Syncing %s... (%d/%d)", step.name, i+1, len(steps))
		sm.progress(mode, step.name, i, len(steps), fmt.Sprintf("Syncing %s...", step.name))

		if err := step.fn(passCtx, stats); err != nil {
			// Transport errors after Abort do not always wrap context.Canceled.
			if ctxErr := passCtx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, sm.finish(log, stats, fmt.Errorf("sync %s: %w", step.name, err))
		}
	}

	record := sm.storage.RecordIncrementalSync
	if mode == events.ModeFull {
		record = sm.storage.RecordFullSync
	}
	if err := record(passCtx, start); err != nil {
		return nil, sm.finish(log, stats, fmt.Errorf("record sync time: %w", err))
	}

	return stats, sm.finish(log, stats, nil)
}

// finish settles the state machine, records metrics and, for a successful pass,
// notifies subscribers. It returns the error the caller should see.
func (sm *SyncManager) finish(log *logrus.Entry, stats *SyncStats, err error) error {
	stats.EndTime = sm.now()
	duration := stats.EndTime.Sub(stats.StartTime)

	switch {
	case err == nil:
		sm.setState(SyncCompleted, nil)
		sm.metrics.SyncPass(string(stats.Mode), "completed", duration)
		sm.recordEntities(stats)

		log.WithFields(logrus.Fields{
			"duration":  duration,
			"artists":   stats.Artists,
			"albums":    stats.Albums,
			"tracks":    stats.Tracks,
			"playlists": stats.Playlists,
			"favorites": stats.Favorites,
		}).Info("Sync completed")

		sm.progress(stats.Mode, StageComplete, 1, 1, "Sync completed")
		sm.bus.Publish(events.SyncCompleted, events.SyncResult{
			Mode:       stats.Mode,
			RunID:      stats.RunID,
			FinishedAt: stats.EndTime,
			Artists:    stats.Artists,
			Albums:     stats.Albums,
			Tracks:     stats.Tracks,
			Playlists:  stats.Playlists,
			Favorites:  stats.Favorites,
		})
		return nil

	case errors.Is(err, context.Canceled):
		sm.setState(SyncAborted, nil)
		sm.metrics.SyncPass(string(stats.Mode), "aborted", duration)
		log.Warn("Sync aborted")
		return ErrSyncAborted

	default:
		sm.setState(SyncFailed, nil)
		sm.metrics.SyncPass(string(stats.Mode), "failed", duration)
		log.WithError(err).Error("Sync failed")
		return err
	}
}

func (sm *SyncManager) recordEntities(stats *SyncStats) {
	sm.metrics.SyncEntities(types.EntityArtists.String(), stats.Artists)
	sm.metrics.SyncEntities(types.EntityAlbums.String(), stats.Albums)
	sm.metrics.SyncEntities(types.EntityTracks.String(), stats.Tracks)
	sm.metrics.SyncEntities(types.EntityPlaylists.String(), stats.Playlists)
	sm.metrics.SyncEntities(types.EntityPlaylistItems.String(), stats.PlaylistItems)
	sm.metrics.SyncEntities(types.EntityFavorites.String(), stats.Favorites)
}

func (sm *SyncManager) setState(state SyncState, cancel context.CancelFunc) {
	sm.mu.Lock()
	sm.state = state
	sm.cancel = cancel
	sm.mu.Unlock()
}

func (sm *SyncManager) isFresh(lastFull, now time.Time) bool {
	window := sm.cfg.Sync.FullSyncFreshness
	return window > 0 && !lastFull.IsZero() && now.Sub(lastFull) < window
}

func (sm *SyncManager) progress(mode events.SyncMode, stage string, current, total int, message string) {
	sm.bus.Publish(events.SyncProgress, events.ProgressUpdate{
		Mode:    mode,
		Stage:   stage,
		Current: current,
		Total:   total,
		Message: message,
	})
}

func (sm *SyncManager) fetchOptions(stats *SyncStats) types.FetchOptions {
	return types.FetchOptions{MinDateLastSaved: stats.Since}
}

func (sm *SyncManager) syncArtists(ctx context.Context, stats *SyncStats) error {
	artists, err := sm.remote.FetchArtists(ctx, sm.fetchOptions(stats))
	if err != nil {
		return fmt.Errorf("fetch artists: %w", err)
	}
	if err := sm.storage.SaveArtists(ctx, artists); err != nil {
		return err
	}
	stats.Artists = len(artists)
	sm.progress(stats.Mode, StageArtists, len(artists), len(artists), fmt.Sprintf("Saved %d artists", len(artists)))
	return nil
}

func (sm *SyncManager) syncAlbums(ctx context.Context, stats *SyncStats) error {
	albums, err := sm.remote.FetchAlbums(ctx, sm.fetchOptions(stats))
	if err != nil {
		return fmt.Errorf("fetch albums: %w", err)
	}
	if err := sm.storage.SaveAlbums(ctx, albums); err != nil {
		return err
	}
	stats.Albums = len(albums)
	sm.progress(stats.Mode, StageAlbums, len(albums), len(albums), fmt.Sprintf("Saved %d albums", len(albums)))
	return nil
}

// syncTracks pages through the track list. Cancellation is observed between pages.
func (sm *SyncManager) syncTracks(ctx context.Context, stats *SyncStats) error {
	pageSize := sm.cfg.Sync.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	start := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sm.debugLog("Fetching tracks from index %d...", start)
		page, err := sm.remote.FetchAllTracks(ctx, types.PageRequest{
			StartIndex:       start,
			Limit:            pageSize,
			MinDateLastSaved: stats.Since,
		})
		if err != nil {
			return fmt.Errorf("fetch tracks at %d: %w", start, err)
		}
		if err := sm.storage.SaveTracks(ctx, page.Tracks); err != nil {
			return err
		}

		stats.Tracks += len(page.Tracks)
		next := page.NextIndex
		if next <= start {
			next = start + len(page.Tracks)
		}
		sm.progress(stats.Mode, StageTracks, next, page.TotalRecordCount,
			fmt.Sprintf("Saved %d of %d tracks", next, page.TotalRecordCount))

		if next <= start {
			return nil
		}
		total := page.TotalRecordCount
		if total > 0 && next >= total {
			return nil
		}
		// Without a total the last page is the first short one.
		if total <= 0 && next-start < pageSize {
			return nil
		}
		start = next
	}
}

type fetchedItems struct {
	playlist *types.Playlist
	items    []*types.PlaylistItem
}

// syncPlaylists stores playlist rows, then fetches every playlist's items with
// bounded concurrency. Membership writes happen one playlist at a time on this
// goroutine.
func (sm *SyncManager) syncPlaylists(ctx context.Context, stats *SyncStats) error {
	playlists, err := sm.remote.FetchPlaylists(ctx, sm.fetchOptions(stats))
	if err != nil {
		return fmt.Errorf("fetch playlists: %w", err)
	}
	if err := sm.storage.SavePlaylists(ctx, playlists); err != nil {
		return err
	}
	stats.Playlists = len(playlists)

	if stats.Mode == events.ModeFull {
		ids := make([]string, 0, len(playlists))
		for _, p := range playlists {
			ids = append(ids, p.ID)
		}
		pruned, err := sm.storage.PruneMissingPlaylists(ctx, ids)
		if err != nil {
			return err
		}
		stats.PrunedPlaylists = pruned
		if pruned > 0 {
			sm.log.WithField("count", pruned).Info("Removed playlists deleted on the server")
		}
	}

	if len(playlists) == 0 {
		return nil
	}

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	results := make(chan fetchedItems)
	fetchErr := make(chan error, 1)

	go func() {
		g, gctx := errgroup.WithContext(fetchCtx)
		g.SetLimit(sm.playlistConcurrency())

		for _, p := range playlists {
			p := p
			g.Go(func() error {
				items, err := sm.remote.FetchPlaylistItems(gctx, p.ID)
				if err != nil {
					return fmt.Errorf("fetch items of playlist %s: %w", p.ID, err)
				}
				select {
				case results <- fetchedItems{playlist: p, items: items}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}

		err := g.Wait()
		close(results)
		fetchErr <- err
	}()

	var writeErr error
	done := 0
	step := progressStep(len(playlists))
	for r := range results {
		if writeErr != nil {
			continue
		}
		saved, err := sm.storage.SavePlaylistItems(ctx, r.playlist.ID, r.items)
		if err != nil {
			writeErr = err
			cancelFetch()
			continue
		}
		stats.PlaylistItems += saved
		done++
		if done%step == 0 || done == len(playlists) {
			sm.progress(stats.Mode, StagePlaylists, done, len(playlists),
				fmt.Sprintf("Synced items of %d of %d playlists", done, len(playlists)))
		}
	}

	if err := <-fetchErr; writeErr == nil && err != nil {
		return err
	}
	return writeErr
}

func (sm *SyncManager) playlistConcurrency() int {
	if n := sm.cfg.Sync.PlaylistConcurrency; n > 0 {
		return n
	}
	return 25
}

// progressStep keeps playlist progress to roughly twenty updates per pass.
func progressStep(total int) int {
	if step := total / 20; step > 1 {
		return step
	}
	return 1
}

// syncFavorites always mirrors the complete favorite set so removals made on the
// server are reflected locally.
func (sm *SyncManager) syncFavorites(ctx context.Context, stats *SyncStats) error {
	favorites, err := sm.remote.FetchFavorites(ctx)
	if err != nil {
		return fmt.Errorf("fetch favorites: %w", err)
	}
	if err := sm.storage.SaveTracks(ctx, favorites); err != nil {
		return err
	}

	ids := make([]string, 0, len(favorites))
	for _, t := range favorites {
		if t != nil && t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	if err := sm.storage.ReplaceFavorites(ctx, ids); err != nil {
		return err
	}
	stats.Favorites = len(ids)
	sm.progress(stats.Mode, StageFavorites, len(ids), len(ids), fmt.Sprintf("Saved %d favorites", len(ids)))
	return nil
}

// Start runs a non-forced full sync and then an incremental sync every
// sync.interval until Stop is called or ctx ends.
func (sm *SyncManager) Start(ctx context.Context) {
	sm.loopMu.Lock()
	defer sm.loopMu.Unlock()

	if sm.stop != nil {
		return
	}
	sm.stop = make(chan struct{})
	sm.done = make(chan struct{})

	interval := sm.cfg.Sync.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	sm.log.WithField("interval", interval).Info("Sync manager starting")

	go sm.loop(ctx, interval, sm.stop, sm.done)
}

func (sm *SyncManager) loop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	if sm.cfg.Sync.OnStart {
		sm.runScheduled(loopCtx, func(ctx context.Context) (*SyncStats, error) { return sm.FullSync(ctx, false) })
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			sm.debugLog("Sync loop stopped")
			return
		case <-ticker.C:
			sm.runScheduled(loopCtx, sm.IncrementalSync)
		}
	}
}

func (sm *SyncManager) runScheduled(ctx context.Context, pass func(context.Context) (*SyncStats, error)) {
	_, err := pass(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncRunning):
		sm.debugLog("Scheduled sync skipped, a pass is already running")
	case errors.Is(err, ErrSyncAborted):
		sm.debugLog("Scheduled sync aborted")
	default:
		sm.log.WithError(err).Warn("Scheduled sync failed, retrying next interval")
	}
}

// Stop halts the periodic loop, aborting a pass it started, and waits for it.
func (sm *SyncManager) Stop() {
	sm.loopMu.Lock()
	stop, done := sm.stop, sm.done
	sm.stop, sm.done = nil, nil
	sm.loopMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
