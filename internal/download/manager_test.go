package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/remotetest"
	"github.com/Alexander-D-Karpov/ampfin/internal/services"
	"github.com/Alexander-D-Karpov/ampfin/internal/storage"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// mediaServer answers /Audio/{id}/stream with "audio-{id}". Ids in fail get a
// 500, and "slow" sends half its body then waits for gate.
type mediaServer struct {
	fail map[string]bool
	gate chan struct{}
}

func (s *mediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/Audio/"), "/stream")
	switch {
	case s.fail[id]:
		http.Error(w, "transcode failed", http.StatusInternalServerError)
	case id == "slow":
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("12345"))
		w.(http.Flusher).Flush()
		select {
		case <-s.gate:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("67890"))
	default:
		_, _ = w.Write([]byte("audio-" + id))
	}
}

func flacTrack(id, albumID string) *types.Track {
	return &types.Track{
		ID:           id,
		Name:         "Track " + id,
		Artists:      []string{"Alice Coltrane"},
		AlbumID:      albumID,
		RunTimeTicks: 240 * types.TicksPerSecond,
		MediaSources: []types.MediaSource{{ID: id, Container: "flac", Bitrate: 900000}},
	}
}

type testManager struct {
	*Manager
	store  *storage.Database
	files  *LocalFiles
	remote *remotetest.Fake
	bus    *events.Bus

	release func()
}

func newTestManager(t *testing.T, failing ...string) *testManager {
	t.Helper()
	logger := quietLogger()

	media := &mediaServer{fail: make(map[string]bool), gate: make(chan struct{})}
	for _, id := range failing {
		media.fail[id] = true
	}
	srv := httptest.NewServer(media)
	t.Cleanup(srv.Close)
	var once sync.Once
	release := func() { once.Do(func() { close(media.gate) }) }
	t.Cleanup(release)

	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "library.db")
	cfg.Download.Retries = 0
	cfg.Download.Timeout = 10 * time.Second

	store := storage.NewDatabase(cfg, logger)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	files, err := NewLocalFiles(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("NewLocalFiles: %v", err)
	}

	remote := remotetest.New()
	remote.StreamBase = srv.URL
	remote.Albums = []*types.Album{{ID: "al1", Name: "Journey in Satchidananda"}, {ID: "al2", Name: "Ptah, the El Daoud"}}
	remote.Tracks = []*types.Track{
		flacTrack("t1", "al1"),
		flacTrack("t2", "al1"),
		flacTrack("t3", "al1"),
		flacTrack("t4", "al2"),
	}
	remote.AddPlaylist(&types.Playlist{ID: "p1", Name: "Spiritual"}, "t1", "t2", "t1")
	remote.Favorites["t3"] = true

	bus := events.NewBus(logger)
	catalog := services.NewHybridService(remote, store, nil, nil, cfg, bus, logger)
	m := NewManager(store, files, catalog, remote, cfg, logger, bus, nil)

	return &testManager{Manager: m, store: store, files: files, remote: remote, bus: bus, release: release}
}

func (tm *testManager) request(trackID string) Request {
	return Request{
		TrackID:   trackID,
		Name:      "Track " + trackID,
		URL:       tm.remote.StreamURL(trackID, "flac"),
		Container: "flac",
		Bitrate:   900000,
	}
}

func (tm *testManager) changes(t *testing.T) *[]events.DownloadsChange {
	t.Helper()
	var mu sync.Mutex
	var got []events.DownloadsChange
	t.Cleanup(tm.OnDownloadsChanged(func(c events.DownloadsChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}))
	return &got
}

func readLocal(t *testing.T, fileURL string) string {
	t.Helper()
	u, err := url.Parse(fileURL)
	if err != nil || u.Scheme != "file" {
		t.Fatalf("local URL = %q, want file URL", fileURL)
	}
	data, err := os.ReadFile(filepath.FromSlash(u.Path))
	if err != nil {
		t.Fatalf("read local file: %v", err)
	}
	return string(data)
}

func TestDownloadTrack_RoundTrip(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()
	changes := tm.changes(t)

	if err := tm.DownloadTrack(ctx, tm.request("t1")); err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}

	localURL, err := tm.GetLocalURLForTrack(ctx, "t1")
	if err != nil {
		t.Fatalf("GetLocalURLForTrack: %v", err)
	}
	if got := readLocal(t, localURL); got != "audio-t1" {
		t.Errorf("file content = %q, want %q", got, "audio-t1")
	}

	downloads, err := tm.GetDownloads(ctx)
	if err != nil {
		t.Fatalf("GetDownloads: %v", err)
	}
	if len(downloads) != 1 {
		t.Fatalf("downloads = %d, want 1", len(downloads))
	}
	dl := downloads[0]
	if dl.RelativePath != "tracks/t1.flac" || dl.Size != int64(len("audio-t1")) || dl.Container != "flac" || dl.Bitrate != 900000 {
		t.Errorf("download row = %+v", dl)
	}

	if err := tm.RemoveDownload(ctx, "t1"); err != nil {
		t.Fatalf("RemoveDownload: %v", err)
	}
	if err := tm.RemoveDownload(ctx, "t1"); err != nil {
		t.Fatalf("second RemoveDownload: %v", err)
	}

	ok, err := tm.IsDownloaded(ctx, "t1")
	if err != nil || ok {
		t.Errorf("IsDownloaded after remove = %v, %v", ok, err)
	}
	if exists, _ := tm.files.Exists("tracks/t1.flac"); exists {
		t.Error("media file left behind after remove")
	}

	if len(*changes) != 2 {
		t.Fatalf("events = %+v, want one add and one removal", *changes)
	}
	if c := (*changes)[0]; c.Removed || len(c.TrackIDs) != 1 || c.TrackIDs[0] != "t1" {
		t.Errorf("first event = %+v", c)
	}
	if c := (*changes)[1]; !c.Removed || len(c.TrackIDs) != 1 || c.TrackIDs[0] != "t1" {
		t.Errorf("second event = %+v", c)
	}
}

func TestDownloadTrack_InvalidRequest(t *testing.T) {
	tm := newTestManager(t)
	tests := []Request{
		{URL: "http://example.invalid/a"},
		{TrackID: "t1"},
	}
	for _, req := range tests {
		if err := tm.DownloadTrack(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("DownloadTrack(%+v) = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestDownloadTrack_ServerError(t *testing.T) {
	tm := newTestManager(t, "t1")
	ctx := context.Background()
	changes := tm.changes(t)

	err := tm.DownloadTrack(ctx, tm.request("t1"))
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("DownloadTrack = %v, want HTTP 500 error", err)
	}

	dl, err := tm.store.GetDownload(ctx, "t1")
	if err != nil || dl != nil {
		t.Errorf("GetDownload after failure = %+v, %v", dl, err)
	}
	if exists, _ := tm.files.Exists("tracks/t1.flac"); exists {
		t.Error("partial file left behind")
	}
	if len(*changes) != 0 {
		t.Errorf("events = %+v, want none", *changes)
	}
}

func TestDownloadTrack_ReplacesPreviousContainer(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if err := tm.DownloadTrack(ctx, tm.request("t1")); err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}
	req := tm.request("t1")
	req.Container = "mp3"
	req.URL = tm.remote.StreamURL("t1", "mp3")
	if err := tm.DownloadTrack(ctx, req); err != nil {
		t.Fatalf("DownloadTrack mp3: %v", err)
	}

	if exists, _ := tm.files.Exists("tracks/t1.flac"); exists {
		t.Error("previous flac copy not removed")
	}
	if exists, _ := tm.files.Exists("tracks/t1.mp3"); !exists {
		t.Error("mp3 copy missing")
	}
	downloads, _ := tm.GetDownloads(ctx)
	if len(downloads) != 1 || downloads[0].Container != "mp3" {
		t.Errorf("downloads = %+v, want one mp3 row", downloads)
	}
}

func TestGetLocalURLForTrack_DropsRowWithoutFile(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if err := tm.DownloadTrack(ctx, tm.request("t2")); err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}
	if err := tm.files.DeleteFile("tracks/t2.flac"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	changes := tm.changes(t)

	localURL, err := tm.GetLocalURLForTrack(ctx, "t2")
	if err != nil || localURL != "" {
		t.Fatalf("GetLocalURLForTrack = %q, %v; want empty", localURL, err)
	}
	if dl, _ := tm.store.GetDownload(ctx, "t2"); dl != nil {
		t.Error("stale download row kept")
	}
	if len(*changes) != 1 || !(*changes)[0].Removed {
		t.Errorf("events = %+v, want one removal", *changes)
	}
}

func TestGetLocalURLForTrack_NotDownloaded(t *testing.T) {
	tm := newTestManager(t)
	localURL, err := tm.GetLocalURLForTrack(context.Background(), "t9")
	if err != nil || localURL != "" {
		t.Errorf("GetLocalURLForTrack = %q, %v; want empty", localURL, err)
	}
}

func TestDownloadAlbumByID_DerivesCollectionState(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()
	changes := tm.changes(t)

	result, err := tm.DownloadAlbumByID(ctx, "al1")
	if err != nil {
		t.Fatalf("DownloadAlbumByID: %v", err)
	}
	if result.Downloaded != 3 || result.Failed != 0 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 3 downloaded", result)
	}
	if len(*changes) != 1 || (*changes)[0].CollectionID != "al1" || len((*changes)[0].TrackIDs) != 3 {
		t.Errorf("events = %+v, want one batch event for al1", *changes)
	}

	collections, err := tm.store.GetDownloadedCollections(ctx)
	if err != nil {
		t.Fatalf("GetDownloadedCollections: %v", err)
	}
	if len(collections) != 1 || collections[0].ID != "al1" || collections[0].Kind != types.CollectionAlbum || collections[0].Name != "Journey in Satchidananda" {
		t.Errorf("collections = %+v", collections)
	}

	tests := []struct {
		id   string
		want bool
	}{
		{"al1", true},
		{"al2", false},
		{"missing", false},
	}
	for _, tt := range tests {
		got, err := tm.IsCollectionDownloaded(ctx, tt.id)
		if err != nil || got != tt.want {
			t.Errorf("IsCollectionDownloaded(%s) = %v, %v; want %v", tt.id, got, err, tt.want)
		}
	}

	if err := tm.RemoveDownload(ctx, "t2"); err != nil {
		t.Fatalf("RemoveDownload: %v", err)
	}
	if got, _ := tm.IsCollectionDownloaded(ctx, "al1"); got {
		t.Error("album still downloaded after removing one of its tracks")
	}
}

func TestDownloadPlaylistByID_PartialFailure(t *testing.T) {
	tm := newTestManager(t, "t2")
	ctx := context.Background()
	changes := tm.changes(t)

	result, err := tm.DownloadPlaylistByID(ctx, "p1", "")
	if err != nil {
		t.Fatalf("DownloadPlaylistByID: %v", err)
	}
	if result.Downloaded != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want 1 downloaded and 1 failed", result)
	}
	if _, ok := result.Errors["t2"]; !ok {
		t.Errorf("errors = %v, want entry for t2", result.Errors)
	}

	if len(*changes) != 1 {
		t.Fatalf("events = %+v, want one", *changes)
	}
	if c := (*changes)[0]; c.CollectionID != "p1" || len(c.TrackIDs) != 1 || c.TrackIDs[0] != "t1" {
		t.Errorf("event = %+v", c)
	}

	collections, _ := tm.store.GetDownloadedCollections(ctx)
	if len(collections) != 1 || collections[0].Name != "Spiritual" {
		t.Errorf("collections = %+v, want p1 named from the catalog", collections)
	}
	if got, _ := tm.IsCollectionDownloaded(ctx, "p1"); got {
		t.Error("playlist reported downloaded with a failed member")
	}
}

func TestDownloadFavorites_SkipsPresentTracks(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if err := tm.DownloadTrack(ctx, tm.request("t3")); err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}
	changes := tm.changes(t)

	result, err := tm.DownloadFavorites(ctx)
	if err != nil {
		t.Fatalf("DownloadFavorites: %v", err)
	}
	if result.Downloaded != 0 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 skipped", result)
	}
	if len(*changes) != 0 {
		t.Errorf("events = %+v, want none when nothing was fetched", *changes)
	}

	got, err := tm.IsCollectionDownloaded(ctx, types.FavouritesCollectionID)
	if err != nil || !got {
		t.Errorf("IsCollectionDownloaded(favourites) = %v, %v", got, err)
	}
}

func TestRemoveCollectionDownloads(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if _, err := tm.DownloadAlbumByID(ctx, "al1"); err != nil {
		t.Fatalf("DownloadAlbumByID: %v", err)
	}
	if _, err := tm.DownloadPlaylistByID(ctx, "p1", "Spiritual"); err != nil {
		t.Fatalf("DownloadPlaylistByID: %v", err)
	}

	result, err := tm.RemovePlaylistDownloads(ctx, "p1")
	if err != nil {
		t.Fatalf("RemovePlaylistDownloads: %v", err)
	}
	if result.Removed != 2 || result.Skipped != 1 {
		t.Errorf("playlist removal = %+v, want 2 removed and 1 skipped", result)
	}

	result, err = tm.RemoveAlbumDownloads(ctx, "al1")
	if err != nil {
		t.Fatalf("RemoveAlbumDownloads: %v", err)
	}
	if result.Removed != 1 || result.Skipped != 2 {
		t.Errorf("album removal = %+v, want 1 removed and 2 skipped", result)
	}

	downloads, _ := tm.GetDownloads(ctx)
	if len(downloads) != 0 {
		t.Errorf("downloads left = %d", len(downloads))
	}
	collections, _ := tm.store.GetDownloadedCollections(ctx)
	if len(collections) != 0 {
		t.Errorf("collections left = %+v", collections)
	}
}

func mediaFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func TestRemoveAllDownloads(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	if _, err := tm.DownloadAlbumByID(ctx, "al1"); err != nil {
		t.Fatalf("DownloadAlbumByID: %v", err)
	}
	if err := tm.DownloadTrack(ctx, tm.request("t4")); err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}
	if got := len(mediaFiles(t, tm.files.StorageDir())); got != 4 {
		t.Fatalf("files before removal = %d, want 4", got)
	}
	changes := tm.changes(t)

	result, err := tm.RemoveAllDownloads(ctx)
	if err != nil {
		t.Fatalf("RemoveAllDownloads: %v", err)
	}
	if result.Removed != 4 || result.Failed != 0 {
		t.Errorf("result = %+v, want 4 removed", result)
	}

	if left := mediaFiles(t, tm.files.StorageDir()); len(left) != 0 {
		t.Errorf("files left on disk = %v", left)
	}
	downloads, _ := tm.GetDownloads(ctx)
	if len(downloads) != 0 {
		t.Errorf("download rows left = %d", len(downloads))
	}
	collections, _ := tm.store.GetDownloadedCollections(ctx)
	if len(collections) != 0 {
		t.Errorf("collections left = %+v", collections)
	}
	if len(*changes) != 1 || !(*changes)[0].Removed || len((*changes)[0].TrackIDs) != 4 {
		t.Errorf("changes = %+v, want one removal of 4 tracks", *changes)
	}

	result, err = tm.RemoveAllDownloads(ctx)
	if err != nil || result.Removed != 0 {
		t.Errorf("second RemoveAllDownloads = %+v, %v", result, err)
	}
	if len(*changes) != 1 {
		t.Errorf("empty removal published a change")
	}
}

func TestActiveDownloads_ReportsProgress(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- tm.DownloadTrack(ctx, tm.request("slow")) }()

	deadline := time.After(5 * time.Second)
	var p Progress
	for {
		active := tm.ActiveDownloads()
		if len(active) == 1 && active[0].Downloaded == 5 {
			p = active[0]
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no progress reported, active = %+v", active)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if p.TrackID != "slow" || p.State != StateDownloading || p.Total != 10 || p.Percentage != 50 {
		t.Errorf("progress = %+v", p)
	}
	if got, ok := tm.GetProgress("slow"); !ok || got.TrackID != "slow" {
		t.Errorf("GetProgress = %+v, %v", got, ok)
	}

	tm.release()
	if err := <-done; err != nil {
		t.Fatalf("DownloadTrack: %v", err)
	}
	if active := tm.ActiveDownloads(); len(active) != 0 {
		t.Errorf("active after completion = %+v", active)
	}
	if _, ok := tm.GetProgress("slow"); ok {
		t.Error("GetProgress still reports a finished download")
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StatePending:     "Pending",
		StateDownloading: "Downloading",
		StateCompleted:   "Completed",
		StateFailed:      "Failed",
		StateCancelled:   "Cancelled",
		State(42):        "Unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestBatchResult_Add(t *testing.T) {
	r := &BatchResult{Errors: make(map[string]error)}
	r.add("a", nil)
	r.add("b", errors.New("boom"))
	r.add("c", nil)
	if r.Downloaded != 2 || r.Failed != 1 || len(r.Errors) != 1 {
		t.Errorf("result = %+v", r)
	}
}
