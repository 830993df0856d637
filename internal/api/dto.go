package api

import (
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

// Jellyfin item types the client accepts.
const (
	itemTypeArtist   = "MusicArtist"
	itemTypeAlbum    = "MusicAlbum"
	itemTypeAudio    = "Audio"
	itemTypePlaylist = "Playlist"
)

// baseItem is the subset of Jellyfin's BaseItemDto the mirror reads. It never
// leaves this package; callers get narrowed entities from pkg/types.
type baseItem struct {
	ID                     string            `json:"Id"`
	Name                   string            `json:"Name"`
	Type                   string            `json:"Type"`
	PlaylistItemID         string            `json:"PlaylistItemId"`
	Artists                []string          `json:"Artists"`
	AlbumID                string            `json:"AlbumId"`
	Album                  string            `json:"Album"`
	AlbumArtist            string            `json:"AlbumArtist"`
	AlbumArtists           []nameIDPair      `json:"AlbumArtists"`
	IndexNumber            int               `json:"IndexNumber"`
	ParentIndexNumber      int               `json:"ParentIndexNumber"`
	ProductionYear         int               `json:"ProductionYear"`
	RunTimeTicks           int64             `json:"RunTimeTicks"`
	ChildCount             int               `json:"ChildCount"`
	CumulativeRunTimeTicks int64             `json:"CumulativeRunTimeTicks"`
	AlbumCount             int               `json:"AlbumCount"`
	SongCount              int               `json:"SongCount"`
	ImageTags              map[string]string `json:"ImageTags"`
	MediaSources           []mediaSource     `json:"MediaSources"`
	UserData               *userData         `json:"UserData"`
}

type nameIDPair struct {
	Name string `json:"Name"`
	ID   string `json:"Id"`
}

type mediaSource struct {
	ID        string `json:"Id"`
	Container string `json:"Container"`
	Bitrate   int    `json:"Bitrate"`
	Size      int64  `json:"Size"`
	Path      string `json:"Path"`
}

type userData struct {
	IsFavorite bool `json:"IsFavorite"`
}

type itemsResult struct {
	Items            []baseItem `json:"Items"`
	TotalRecordCount int        `json:"TotalRecordCount"`
	StartIndex       int        `json:"StartIndex"`
}

type createPlaylistRequest struct {
	Name      string   `json:"Name"`
	Ids       []string `json:"Ids"`
	UserID    string   `json:"UserId"`
	MediaType string   `json:"MediaType"`
}

type createPlaylistResponse struct {
	ID string `json:"Id"`
}

func (b *baseItem) primaryImage() string {
	return b.ImageTags["Primary"]
}

// valid reports whether b can be narrowed to an entity of wantType. Items of other
// types, and items without an id, are dropped on ingestion.
func (b *baseItem) valid(wantType string) bool {
	return b.ID != "" && (b.Type == "" || b.Type == wantType)
}

func (b *baseItem) toArtist() *types.Artist {
	return &types.Artist{
		ID:         b.ID,
		Name:       b.Name,
		ImageTag:   b.primaryImage(),
		AlbumCount: b.AlbumCount,
		SongCount:  b.SongCount,
	}
}

func (b *baseItem) toAlbum() *types.Album {
	album := &types.Album{
		ID:             b.ID,
		Name:           b.Name,
		AlbumArtist:    b.AlbumArtist,
		ProductionYear: b.ProductionYear,
		ImageTag:       b.primaryImage(),
		ChildCount:     b.ChildCount,
	}
	if len(b.AlbumArtists) > 0 {
		album.AlbumArtistID = b.AlbumArtists[0].ID
		if album.AlbumArtist == "" {
			album.AlbumArtist = b.AlbumArtists[0].Name
		}
	}
	return album
}

func (b *baseItem) toTrack() *types.Track {
	track := &types.Track{
		ID:           b.ID,
		Name:         b.Name,
		Artists:      b.Artists,
		AlbumID:      b.AlbumID,
		AlbumName:    b.Album,
		AlbumArtist:  b.AlbumArtist,
		IndexNumber:  b.IndexNumber,
		DiscNumber:   b.ParentIndexNumber,
		RunTimeTicks: b.RunTimeTicks,
		ImageTag:     b.primaryImage(),
	}
	if track.Artists == nil {
		track.Artists = []string{}
	}
	for _, src := range b.MediaSources {
		track.MediaSources = append(track.MediaSources, types.MediaSource{
			ID:        src.ID,
			Container: src.Container,
			Bitrate:   src.Bitrate,
			Size:      src.Size,
		})
	}
	return track
}

func (b *baseItem) toPlaylist() *types.Playlist {
	return &types.Playlist{
		ID:                     b.ID,
		Name:                   b.Name,
		ChildCount:             b.ChildCount,
		CumulativeRunTimeTicks: b.CumulativeRunTimeTicks,
		ImageTag:               b.primaryImage(),
	}
}

func artistsFrom(items []baseItem) []*types.Artist {
	out := make([]*types.Artist, 0, len(items))
	for i := range items {
		if items[i].valid(itemTypeArtist) {
			out = append(out, items[i].toArtist())
		}
	}
	return out
}

func albumsFrom(items []baseItem) []*types.Album {
	out := make([]*types.Album, 0, len(items))
	for i := range items {
		if items[i].valid(itemTypeAlbum) {
			out = append(out, items[i].toAlbum())
		}
	}
	return out
}

func tracksFrom(items []baseItem) []*types.Track {
	out := make([]*types.Track, 0, len(items))
	for i := range items {
		if items[i].valid(itemTypeAudio) {
			out = append(out, items[i].toTrack())
		}
	}
	return out
}

func playlistsFrom(items []baseItem) []*types.Playlist {
	out := make([]*types.Playlist, 0, len(items))
	for i := range items {
		if items[i].valid(itemTypePlaylist) {
			out = append(out, items[i].toPlaylist())
		}
	}
	return out
}

// playlistItemsFrom keeps order. Entries without a PlaylistItemId fall back to the
// track id so they can still be addressed.
func playlistItemsFrom(items []baseItem) []*types.PlaylistItem {
	out := make([]*types.PlaylistItem, 0, len(items))
	for i := range items {
		if !items[i].valid(itemTypeAudio) {
			continue
		}
		entryID := items[i].PlaylistItemID
		if entryID == "" {
			entryID = items[i].ID
		}
		out = append(out, &types.PlaylistItem{
			PlaylistItemID: entryID,
			Track:          items[i].toTrack(),
		})
	}
	return out
}
