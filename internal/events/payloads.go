package events

import "time"

type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

type SyncResult struct {
	Mode       SyncMode
	RunID      string
	FinishedAt time.Time
	Artists    int
	Albums     int
	Tracks     int
	Playlists  int
	Favorites  int
}

type DownloadsChange struct {
	TrackIDs     []string
	CollectionID string
	Removed      bool
}

type MembershipChange struct {
	PlaylistIDs []string
	TrackID     string
}

type FavoriteChange struct {
	TrackID  string
	Favorite bool
}

type ConnectivityChange struct {
	Offline bool
}

// ProgressUpdate is emitted at batch granularity while a sync pass advances.
type ProgressUpdate struct {
	Mode    SyncMode
	Stage   string
	Current int
	Total   int
	Message string
}
