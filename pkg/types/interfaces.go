package types

import (
	"context"
)

// RemoteClient is the capability surface of the media server consumed by the sync
// engine, the hybrid read path and the download manager. Every call may fail with a
// network error at any time.
type RemoteClient interface {
	FetchArtists(ctx context.Context, opts FetchOptions) ([]*Artist, error)
	FetchAlbums(ctx context.Context, opts FetchOptions) ([]*Album, error)
	FetchTracksForAlbum(ctx context.Context, albumID string) ([]*Track, error)
	FetchAllTracks(ctx context.Context, page PageRequest) (*TrackPage, error)
	FetchPlaylists(ctx context.Context, opts FetchOptions) ([]*Playlist, error)
	FetchPlaylistItems(ctx context.Context, playlistID string) ([]*PlaylistItem, error)
	FetchFavorites(ctx context.Context) ([]*Track, error)
	SearchTracks(ctx context.Context, query string, limit int) ([]*Track, error)

	AddToFavorites(ctx context.Context, trackID string) error
	RemoveFromFavorites(ctx context.Context, trackID string) error
	CheckIsFavorite(ctx context.Context, trackID string) (bool, error)

	CreatePlaylist(ctx context.Context, name string, trackIDs []string) (*Playlist, error)
	DeletePlaylist(ctx context.Context, playlistID string) error
	AddItemsToPlaylist(ctx context.Context, playlistID string, trackIDs []string) error
	RemoveItemsFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error

	PingServerInfo(ctx context.Context) error
	StreamURL(trackID string, container string) string
}

// Connectivity is the read side of the offline detector.
type Connectivity interface {
	IsOffline() bool
}
