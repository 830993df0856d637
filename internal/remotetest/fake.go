// Package remotetest provides an in-memory media server for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

// ErrUnreachable is what every call returns while the fake is marked down.
var ErrUnreachable = errors.New("remotetest: server unreachable")

// Fake implements types.RemoteClient over maps. Calls are counted by method
// name, and individual methods can be made to fail.
type Fake struct {
	mu sync.Mutex

	Artists   []*types.Artist
	Albums    []*types.Album
	Tracks    []*types.Track
	Playlists []*types.Playlist
	Items     map[string][]*types.PlaylistItem
	Favorites map[string]bool

	// Down makes every call fail with ErrUnreachable.
	Down bool
	// Fail makes the named method return the given error.
	Fail map[string]error
	// BeforeCall, when set, runs at the start of every call.
	BeforeCall func(ctx context.Context, method string)

	StreamBase string
	// OmitTotals leaves TrackPage.TotalRecordCount at zero.
	OmitTotals bool

	calls    map[string]int
	nextItem int
}

var _ types.RemoteClient = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Items:     make(map[string][]*types.PlaylistItem),
		Favorites: make(map[string]bool),
		Fail:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls counts every invocation of any method.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// SetDown toggles reachability.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	f.Down = down
	f.mu.Unlock()
}

// SetFail makes method fail with err, or succeed again when err is nil.
func (f *Fake) SetFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, method)
		return
	}
	f.Fail[method] = err
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	hook := f.BeforeCall
	down := f.Down
	failure := f.Fail[method]
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, method)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if down {
		return ErrUnreachable
	}
	return failure
}

// AddPlaylist stores a playlist whose entries point at the given tracks. Entry
// ids are generated.
func (f *Fake) AddPlaylist(p *types.Playlist, trackIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Playlists = append(f.Playlists, p)
	f.Items[p.ID] = nil
	for _, id := range trackIDs {
		f.appendItemLocked(p.ID, id)
	}
}

func (f *Fake) appendItemLocked(playlistID, trackID string) {
	f.nextItem++
	track := f.trackLocked(trackID)
	if track == nil {
		track = &types.Track{ID: trackID}
	}
	cp := *track
	f.Items[playlistID] = append(f.Items[playlistID], &types.PlaylistItem{
		PlaylistItemID: fmt.Sprintf("entry-%d", f.nextItem),
		Track:          &cp,
	})
}

func (f *Fake) trackLocked(id string) *types.Track {
	for _, t := range f.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f *Fake) FetchArtists(ctx context.Context, _ types.FetchOptions) ([]*types.Artist, error) {
	if err := f.enter(ctx, "FetchArtists"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Artist(nil), f.Artists...), nil
}

func (f *Fake) FetchAlbums(ctx context.Context, _ types.FetchOptions) ([]*types.Album, error) {
	if err := f.enter(ctx, "FetchAlbums"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Album(nil), f.Albums...), nil
}

func (f *Fake) FetchTracksForAlbum(ctx context.Context, albumID string) ([]*types.Track, error) {
	if err := f.enter(ctx, "FetchTracksForAlbum"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*types.Track
	for _, t := range f.Tracks {
		if t.AlbumID == albumID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) FetchAllTracks(ctx context.Context, page types.PageRequest) (*types.TrackPage, error) {
	if err := f.enter(ctx, "FetchAllTracks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	total := len(f.Tracks)
	start := min(page.StartIndex, total)
	end := total
	if page.Limit > 0 {
		end = min(start+page.Limit, total)
	}
	out := &types.TrackPage{
		Tracks:           append([]*types.Track(nil), f.Tracks[start:end]...),
		StartIndex:       start,
		NextIndex:        end,
		TotalRecordCount: total,
	}
	if f.OmitTotals {
		out.TotalRecordCount = 0
	}
	return out, nil
}

func (f *Fake) FetchPlaylists(ctx context.Context, _ types.FetchOptions) ([]*types.Playlist, error) {
	if err := f.enter(ctx, "FetchPlaylists"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Playlist(nil), f.Playlists...), nil
}

func (f *Fake) FetchPlaylistItems(ctx context.Context, playlistID string) ([]*types.PlaylistItem, error) {
	if err := f.enter(ctx, "FetchPlaylistItems"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	items, ok := f.Items[playlistID]
	if !ok {
		return nil, fmt.Errorf("playlist %s not found", playlistID)
	}
	return append([]*types.PlaylistItem(nil), items...), nil
}

func (f *Fake) FetchFavorites(ctx context.Context) ([]*types.Track, error) {
	if err := f.enter(ctx, "FetchFavorites"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.Favorites))
	for id, fav := range f.Favorites {
		if fav {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]*types.Track, 0, len(ids))
	for _, id := range ids {
		if t := f.trackLocked(id); t != nil {
			out = append(out, t)
		} else {
			out = append(out, &types.Track{ID: id})
		}
	}
	return out, nil
}

func (f *Fake) SearchTracks(ctx context.Context, query string, limit int) ([]*types.Track, error) {
	if err := f.enter(ctx, "SearchTracks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*types.Track
	for _, t := range f.Tracks {
		if strings.Contains(strings.ToLower(t.Name), strings.ToLower(query)) {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) AddToFavorites(ctx context.Context, trackID string) error {
	if err := f.enter(ctx, "AddToFavorites"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Favorites[trackID] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) RemoveFromFavorites(ctx context.Context, trackID string) error {
	if err := f.enter(ctx, "RemoveFromFavorites"); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.Favorites, trackID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) CheckIsFavorite(ctx context.Context, trackID string) (bool, error) {
	if err := f.enter(ctx, "CheckIsFavorite"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Favorites[trackID], nil
}

func (f *Fake) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (*types.Playlist, error) {
	if err := f.enter(ctx, "CreatePlaylist"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &types.Playlist{ID: fmt.Sprintf("created-%d", len(f.Playlists)+1), Name: name, ChildCount: len(trackIDs)}
	f.Playlists = append(f.Playlists, p)
	f.Items[p.ID] = nil
	for _, id := range trackIDs {
		f.appendItemLocked(p.ID, id)
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) DeletePlaylist(ctx context.Context, playlistID string) error {
	if err := f.enter(ctx, "DeletePlaylist"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, p := range f.Playlists {
		if p.ID == playlistID {
			f.Playlists = append(f.Playlists[:i], f.Playlists[i+1:]...)
			break
		}
	}
	delete(f.Items, playlistID)
	return nil
}

func (f *Fake) AddItemsToPlaylist(ctx context.Context, playlistID string, trackIDs []string) error {
	if err := f.enter(ctx, "AddItemsToPlaylist"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Items[playlistID]; !ok {
		return fmt.Errorf("playlist %s not found", playlistID)
	}
	for _, id := range trackIDs {
		f.appendItemLocked(playlistID, id)
	}
	return nil
}

func (f *Fake) RemoveItemsFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error {
	if err := f.enter(ctx, "RemoveItemsFromPlaylist"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	drop := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		drop[id] = true
	}
	var kept []*types.PlaylistItem
	for _, item := range f.Items[playlistID] {
		if !drop[item.PlaylistItemID] {
			kept = append(kept, item)
		}
	}
	f.Items[playlistID] = kept
	return nil
}

func (f *Fake) PingServerInfo(ctx context.Context) error {
	return f.enter(ctx, "PingServerInfo")
}

func (f *Fake) StreamURL(trackID string, container string) string {
	f.mu.Lock()
	base := f.StreamBase
	f.mu.Unlock()
	return base + "/Audio/" + trackID + "/stream?container=" + container
}
