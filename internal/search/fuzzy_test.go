package search

import (
	"context"
	"errors"
	"testing"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

type staticLibrary struct {
	tracks  []*types.Track
	albums  []*types.Album
	artists []*types.Artist
	err     error
	reads   int
}

func (l *staticLibrary) GetAllTracks(context.Context) ([]*types.Track, error) {
	l.reads++
	return l.tracks, l.err
}

func (l *staticLibrary) GetAlbums(context.Context) ([]*types.Album, error) {
	return l.albums, l.err
}

func (l *staticLibrary) GetArtists(context.Context) ([]*types.Artist, error) {
	return l.artists, l.err
}

func library() *staticLibrary {
	return &staticLibrary{
		tracks: []*types.Track{
			{ID: "t1", Name: "So What", Artists: []string{"Miles Davis"}, AlbumName: "Kind of Blue"},
			{ID: "t2", Name: "Blue in Green", Artists: []string{"Miles Davis"}, AlbumName: "Kind of Blue"},
			{ID: "t3", Name: "Naima", Artists: []string{"John Coltrane"}, AlbumName: "Giant Steps"},
			{ID: "t4", Name: "Giant Steps", Artists: []string{"John Coltrane"}, AlbumName: "Giant Steps"},
		},
		albums: []*types.Album{
			{ID: "al1", Name: "Kind of Blue", AlbumArtist: "Miles Davis"},
			{ID: "al2", Name: "Giant Steps", AlbumArtist: "John Coltrane"},
		},
		artists: []*types.Artist{
			{ID: "ar1", Name: "Miles Davis"},
			{ID: "ar2", Name: "John Coltrane"},
		},
	}
}

func trackIDs(tracks []*types.Track) []string {
	out := make([]string, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.ID)
	}
	return out
}

func TestSearchTracks_EmptyQuery(t *testing.T) {
	lib := library()
	got, err := NewEngine(lib).SearchTracks(context.Background(), "   ", 10)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("SearchTracks(blank) = %v, %v; want empty slice", got, err)
	}
	if lib.reads != 0 {
		t.Errorf("blank query read the library %d times", lib.reads)
	}
}

func TestSearchTracks_NameBeatsArtistAndAlbum(t *testing.T) {
	got, err := NewEngine(library()).SearchTracks(context.Background(), "giant steps", 0)
	if err != nil {
		t.Fatalf("SearchTracks: %v", err)
	}
	ids := trackIDs(got)
	if len(ids) != 2 || ids[0] != "t4" || ids[1] != "t3" {
		t.Errorf("SearchTracks = %v, want [t4 t3]", ids)
	}
}

func TestSearchTracks_MatchesArtist(t *testing.T) {
	got, err := NewEngine(library()).SearchTracks(context.Background(), "COLTRANE", 0)
	if err != nil {
		t.Fatalf("SearchTracks: %v", err)
	}
	if ids := trackIDs(got); len(ids) != 2 || ids[0] != "t3" || ids[1] != "t4" {
		t.Errorf("SearchTracks = %v, want library order for equal scores", ids)
	}
}

func TestSearchTracks_ToleratesTypos(t *testing.T) {
	got, err := NewEngine(library()).SearchTracks(context.Background(), "Niama", 0)
	if err != nil {
		t.Fatalf("SearchTracks: %v", err)
	}
	if ids := trackIDs(got); len(ids) == 0 || ids[0] != "t3" {
		t.Errorf("SearchTracks(typo) = %v, want t3 first", ids)
	}
}

func TestSearchTracks_Limit(t *testing.T) {
	got, err := NewEngine(library()).SearchTracks(context.Background(), "blue", 1)
	if err != nil {
		t.Fatalf("SearchTracks: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestSearchTracks_LibraryError(t *testing.T) {
	lib := library()
	lib.err = errors.New("database is closed")
	if _, err := NewEngine(lib).SearchTracks(context.Background(), "so", 0); !errors.Is(err, lib.err) {
		t.Errorf("SearchTracks = %v, want %v", err, lib.err)
	}
}

func TestSearch_AllKinds(t *testing.T) {
	res, err := NewEngine(library()).Search(context.Background(), "miles", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Artists) != 1 || res.Artists[0].ID != "ar1" {
		t.Errorf("artists = %v", res.Artists)
	}
	if len(res.Albums) != 1 || res.Albums[0].ID != "al1" {
		t.Errorf("albums = %v", res.Albums)
	}
	if len(res.Tracks) != 2 {
		t.Errorf("tracks = %v", trackIDs(res.Tracks))
	}
	if res.Total() != 4 {
		t.Errorf("Total = %d, want 4", res.Total())
	}
}
