package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

var (
	ErrInvalidRequest    = errors.New("download: invalid request")
	ErrUnknownCollection = errors.New("download: unknown collection")
)

// State represents the current state of a download operation
type State int

const (
	StatePending State = iota
	StateDownloading
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateDownloading:
		return "Downloading"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Request describes one track to fetch. URL must already be an absolute,
// authenticated stream URL.
type Request struct {
	TrackID   string
	Name      string
	URL       string
	Container string
	Bitrate   int
}

func (r Request) validate() error {
	if r.TrackID == "" || r.URL == "" {
		return ErrInvalidRequest
	}
	return nil
}

// BatchResult counts per-track outcomes of a collection download or removal.
// Skipped tracks were already in the wanted state or were never started because
// the context ended.
type BatchResult struct {
	Downloaded int
	Removed    int
	Failed     int
	Skipped    int
	Errors     map[string]error
}

func (r *BatchResult) add(trackID string, err error) {
	if err != nil {
		r.Failed++
		r.Errors[trackID] = err
		return
	}
	r.Downloaded++
}

// Progress is a snapshot of one in-flight download.
type Progress struct {
	TrackID    string
	Name       string
	State      State
	Total      int64
	Downloaded int64
	Percentage float64
	StartTime  time.Time
}

// task tracks one active download so progress can be reported while bytes flow.
type task struct {
	req       Request
	state     State
	total     int64
	written   int64
	startTime time.Time

	mutex sync.RWMutex
}

func (t *task) setState(state State) {
	t.mutex.Lock()
	t.state = state
	t.mutex.Unlock()
}

func (t *task) snapshot() Progress {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	p := Progress{
		TrackID:    t.req.TrackID,
		Name:       t.req.Name,
		State:      t.state,
		Total:      t.total,
		Downloaded: t.written,
		StartTime:  t.startTime,
	}
	if t.total > 0 {
		p.Percentage = float64(t.written) / float64(t.total) * 100
	}
	return p
}

// Catalog resolves collection membership. The hybrid service satisfies it, so
// batches work from the mirror while offline.
type Catalog interface {
	GetPlaylist(ctx context.Context, playlistID string) (*types.Playlist, error)
	GetPlaylistTracks(ctx context.Context, playlistID string) ([]*types.PlaylistItem, error)
	GetAlbum(ctx context.Context, albumID string) (*types.Album, error)
	GetAlbumTracks(ctx context.Context, albumID string) ([]*types.Track, error)
	GetFavorites(ctx context.Context) ([]*types.Track, error)
}

// StreamResolver builds authenticated media URLs.
type StreamResolver interface {
	StreamURL(trackID string, container string) string
}
