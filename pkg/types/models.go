package types

import (
	"time"
)

// TicksPerSecond is the number of Jellyfin run-time ticks (100ns) in one second.
const TicksPerSecond int64 = 10_000_000

// FavouritesCollectionID identifies the synthetic "favourites" collection used for
// download markers. It never collides with server ids, which are hex GUIDs.
const FavouritesCollectionID = "favourites"

type Artist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ImageTag   string `json:"image_tag"`
	AlbumCount int    `json:"album_count"`
	SongCount  int    `json:"song_count"`

	UpdatedAt time.Time `json:"-"`
}

type Album struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AlbumArtist    string `json:"album_artist"`
	AlbumArtistID  string `json:"album_artist_id"`
	ProductionYear int    `json:"production_year"`
	ImageTag       string `json:"image_tag"`
	ChildCount     int    `json:"child_count"`

	UpdatedAt time.Time `json:"-"`
}

// MediaSource describes one playable rendition of a track.
type MediaSource struct {
	ID              string `json:"id"`
	Container       string `json:"container"`
	Bitrate         int    `json:"bitrate"`
	Size            int64  `json:"size"`
	DirectStreamURL string `json:"direct_stream_url,omitempty"`
}

type Track struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Artists       []string      `json:"artists"`
	AlbumID       string        `json:"album_id"`
	AlbumName     string        `json:"album_name"`
	AlbumArtist   string        `json:"album_artist"`
	IndexNumber   int           `json:"index_number"`
	DiscNumber    int           `json:"disc_number"`
	RunTimeTicks  int64         `json:"run_time_ticks"`
	ImageTag      string        `json:"image_tag"`
	MediaSources  []MediaSource `json:"media_sources"`
	IsPlaceholder bool          `json:"-"`

	UpdatedAt time.Time `json:"-"`
}

// Duration converts RunTimeTicks into a time.Duration.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.RunTimeTicks * 100)
}

// PrimarySource returns the first media source, or nil when the server sent none.
func (t *Track) PrimarySource() *MediaSource {
	if len(t.MediaSources) == 0 {
		return nil
	}
	return &t.MediaSources[0]
}

// PlaceholderTrack is rendered when a playlist entry references a track that is not
// mirrored locally yet.
func PlaceholderTrack(id string) *Track {
	return &Track{ID: id, IsPlaceholder: true}
}

type Playlist struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	ChildCount             int    `json:"child_count"`
	CumulativeRunTimeTicks int64  `json:"cumulative_run_time_ticks"`
	ImageTag               string `json:"image_tag"`

	UpdatedAt time.Time `json:"-"`
}

// PlaylistEntry is one ordered membership row. PlaylistItemID is the server's
// per-entry id; the same TrackID may occur under several entries.
type PlaylistEntry struct {
	PlaylistID     string `json:"playlist_id"`
	PlaylistItemID string `json:"playlist_item_id"`
	TrackID        string `json:"track_id"`
	SortIndex      int    `json:"sort_index"`
}

// PlaylistItem is a membership entry together with the track it points at.
type PlaylistItem struct {
	PlaylistItemID string `json:"playlist_item_id"`
	Track          *Track `json:"track"`
}

// Membership answers "is this track in that playlist" for one playlist.
type Membership struct {
	PlaylistItemID string   `json:"playlist_item_id"`
	EntryIDs       []string `json:"entry_ids"`
}

type Download struct {
	TrackID      string    `json:"track_id"`
	Name         string    `json:"name"`
	RelativePath string    `json:"relative_path"`
	Container    string    `json:"container"`
	Bitrate      int       `json:"bitrate"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

type CollectionKind string

const (
	CollectionAlbum      CollectionKind = "album"
	CollectionPlaylist   CollectionKind = "playlist"
	CollectionFavourites CollectionKind = "favourites"
)

// DownloadedCollection marks a collection the user asked to keep offline.
// Whether it is fully downloaded is derived from the download rows.
type DownloadedCollection struct {
	ID        string         `json:"id"`
	Kind      CollectionKind `json:"kind"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
}

type SyncStatus struct {
	LastFullSync        time.Time `json:"last_full_sync"`
	LastIncrementalSync time.Time `json:"last_incremental_sync"`
	ArtistsCount        int       `json:"artists_count"`
	AlbumsCount         int       `json:"albums_count"`
	TracksCount         int       `json:"tracks_count"`
	PlaylistsCount      int       `json:"playlists_count"`
	Running             bool      `json:"running"`
}

type EntityKind int

const (
	EntityArtists EntityKind = iota
	EntityAlbums
	EntityTracks
	EntityPlaylists
	EntityPlaylistItems
	EntityFavorites
	EntityDownloads
)

func (k EntityKind) String() string {
	switch k {
	case EntityArtists:
		return "artists"
	case EntityAlbums:
		return "albums"
	case EntityTracks:
		return "tracks"
	case EntityPlaylists:
		return "playlists"
	case EntityPlaylistItems:
		return "playlist_items"
	case EntityFavorites:
		return "favorites"
	case EntityDownloads:
		return "downloads"
	default:
		return "unknown"
	}
}

// FetchOptions narrows list fetches. A zero MinDateLastSaved means "everything".
type FetchOptions struct {
	MinDateLastSaved time.Time
}

type PageRequest struct {
	StartIndex       int
	Limit            int
	MinDateLastSaved time.Time
}

// TrackPage is one page of a paged track listing. NextIndex counts every item the
// server returned, including ones dropped during decoding.
type TrackPage struct {
	Tracks           []*Track
	StartIndex       int
	NextIndex        int
	TotalRecordCount int
}

// Credentials are supplied once at construction instead of being read ambiently.
type Credentials struct {
	ServerAddress string
	AccessToken   string
	UserID        string
}

// Complete reports whether enough is known to talk to the server.
func (c Credentials) Complete() bool {
	return c.ServerAddress != "" && c.AccessToken != "" && c.UserID != ""
}
