package services

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/Alexander-D-Karpov/ampfin/internal/events"
)

func collect[T any](t *testing.T, bus *events.Bus, topic events.Topic) *[]T {
	t.Helper()
	var got []T
	unsub := bus.Subscribe(topic, func(payload interface{}) {
		if v, ok := payload.(T); ok {
			got = append(got, v)
		}
	})
	t.Cleanup(unsub)
	return &got
}

func TestMutations_OfflineFailFast(t *testing.T) {
	s := newTestService(t)
	s.conn.offline.Store(true)
	ctx := context.Background()

	_, createErr := s.CreatePlaylist(ctx, "New", nil)
	_, updateErr := s.UpdateTrackPlaylists(ctx, "t1", []string{"p2"})
	checks := []struct {
		name string
		err  error
	}{
		{"SetFavorite", s.SetFavorite(ctx, "t1", true)},
		{"DeletePlaylist", s.DeletePlaylist(ctx, "p1")},
		{"AddTracksToPlaylist", s.AddTracksToPlaylist(ctx, "p1", []string{"t2"})},
		{"RemoveEntriesFromPlaylist", s.RemoveEntriesFromPlaylist(ctx, "p1", []string{"entry-1"})},
		{"CreatePlaylist", createErr},
		{"UpdateTrackPlaylists", updateErr},
	}

	for _, c := range checks {
		if !errors.Is(c.err, ErrOffline) {
			t.Errorf("%s: err = %v, want ErrOffline", c.name, c.err)
		}
	}
	if n := s.remote.TotalCalls(); n != 0 {
		t.Errorf("offline writes made %d remote calls", n)
	}
}

func TestSetFavorite(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.FavoriteChange](t, s.bus, events.FavoriteChanged)
	ctx := context.Background()

	if err := s.SetFavorite(ctx, "t1", true); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	if fav, _ := s.store.IsFavorite(ctx, "t1"); !fav {
		t.Error("favorite not mirrored")
	}
	if fav, _ := s.remote.CheckIsFavorite(ctx, "t1"); !fav {
		t.Error("favorite not sent to the server")
	}

	if err := s.SetFavorite(ctx, "t1", false); err != nil {
		t.Fatalf("SetFavorite(false): %v", err)
	}
	if fav, _ := s.store.IsFavorite(ctx, "t1"); fav {
		t.Error("unfavorite not mirrored")
	}

	want := []events.FavoriteChange{{TrackID: "t1", Favorite: true}, {TrackID: "t1", Favorite: false}}
	if !reflect.DeepEqual(*changes, want) {
		t.Errorf("events = %+v, want %+v", *changes, want)
	}
}

func TestSetFavorite_RemoteFailureLeavesMirror(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.FavoriteChange](t, s.bus, events.FavoriteChanged)
	s.remote.SetFail("AddToFavorites", errors.New("forbidden"))

	if err := s.SetFavorite(context.Background(), "t1", true); err == nil {
		t.Fatal("SetFavorite succeeded although the server refused")
	}
	if fav, _ := s.store.IsFavorite(context.Background(), "t1"); fav {
		t.Error("mirror changed after a refused write")
	}
	if len(*changes) != 0 {
		t.Errorf("events published for a refused write: %+v", *changes)
	}
}

func TestCreatePlaylist(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.MembershipChange](t, s.bus, events.PlaylistMembershipChanged)
	ctx := context.Background()

	p, err := s.CreatePlaylist(ctx, "Road trip", []string{"t1", "t4"})
	if err != nil {
		t.Fatalf("CreatePlaylist: %v", err)
	}
	if p.ChildCount != 2 {
		t.Errorf("ChildCount = %d, want 2", p.ChildCount)
	}

	mirrored, err := s.store.GetPlaylistTrackIDs(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlaylistTrackIDs: %v", err)
	}
	if want := []string{"t1", "t4"}; !reflect.DeepEqual(mirrored, want) {
		t.Errorf("mirrored tracks = %v, want %v", mirrored, want)
	}
	if len(*changes) != 1 || (*changes)[0].PlaylistIDs[0] != p.ID {
		t.Errorf("events = %+v", *changes)
	}
}

func TestCreatePlaylist_RefreshFailureSkipsEvent(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.MembershipChange](t, s.bus, events.PlaylistMembershipChanged)
	s.remote.SetFail("FetchPlaylistItems", errors.New("timeout"))
	ctx := context.Background()

	p, err := s.CreatePlaylist(ctx, "Road trip", []string{"t1"})
	if err != nil {
		t.Fatalf("CreatePlaylist: %v", err)
	}
	if stored, _ := s.store.GetPlaylistByID(ctx, p.ID); stored == nil {
		t.Error("created playlist not mirrored")
	}
	if len(*changes) != 0 {
		t.Errorf("membership event published without a refreshed mirror: %+v", *changes)
	}
}

func TestDeletePlaylist(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.GetPlaylistTracks(ctx, "p1"); err != nil {
		t.Fatalf("GetPlaylistTracks: %v", err)
	}
	if err := s.DeletePlaylist(ctx, "p1"); err != nil {
		t.Fatalf("DeletePlaylist: %v", err)
	}
	if p, _ := s.store.GetPlaylistByID(ctx, "p1"); p != nil {
		t.Error("deleted playlist still mirrored")
	}
	if cached, _ := s.store.HasPlaylistItems(ctx, "p1"); cached {
		t.Error("deleted playlist still has cached membership")
	}
}

func TestAddAndRemoveEntries(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.MembershipChange](t, s.bus, events.PlaylistMembershipChanged)
	ctx := context.Background()

	if err := s.AddTracksToPlaylist(ctx, "p2", nil); err != nil {
		t.Fatalf("AddTracksToPlaylist(nil): %v", err)
	}
	if s.remote.TotalCalls() != 0 {
		t.Error("empty add reached the server")
	}

	if err := s.AddTracksToPlaylist(ctx, "p2", []string{"t2"}); err != nil {
		t.Fatalf("AddTracksToPlaylist: %v", err)
	}
	items, err := s.GetPlaylistTracks(ctx, "p2")
	if err != nil {
		t.Fatalf("GetPlaylistTracks: %v", err)
	}
	if len(items) != 2 || items[1].Track.ID != "t2" {
		t.Fatalf("items after add = %+v", items)
	}

	if err := s.RemoveEntriesFromPlaylist(ctx, "p2", []string{items[0].PlaylistItemID}); err != nil {
		t.Fatalf("RemoveEntriesFromPlaylist: %v", err)
	}
	remaining, err := s.store.GetPlaylistTrackIDs(ctx, "p2")
	if err != nil {
		t.Fatalf("GetPlaylistTrackIDs: %v", err)
	}
	if want := []string{"t2"}; !reflect.DeepEqual(remaining, want) {
		t.Errorf("tracks after remove = %v, want %v", remaining, want)
	}
	if len(*changes) != 2 {
		t.Errorf("events = %d, want 2", len(*changes))
	}
}

func TestRemoveEntries_KeepsOtherOccurrence(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	items, err := s.GetPlaylistTracks(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlaylistTracks: %v", err)
	}
	// p1 holds t1, t3, t1; drop only the second t1.
	if err := s.RemoveEntriesFromPlaylist(ctx, "p1", []string{items[2].PlaylistItemID}); err != nil {
		t.Fatalf("RemoveEntriesFromPlaylist: %v", err)
	}

	membership, err := s.store.GetTrackPlaylistMembership(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrackPlaylistMembership: %v", err)
	}
	if got := membership["p1"].EntryIDs; !reflect.DeepEqual(got, []string{items[0].PlaylistItemID}) {
		t.Errorf("remaining entries = %v", got)
	}
}

func TestUpdateTrackPlaylists(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.MembershipChange](t, s.bus, events.PlaylistMembershipChanged)
	ctx := context.Background()

	// t1 sits in p1 (twice). Move it to p2 and p3; "ghost" does not exist remotely.
	result, err := s.UpdateTrackPlaylists(ctx, "t1", []string{"p2", "p3", "ghost"})
	if err != nil {
		t.Fatalf("UpdateTrackPlaylists: %v", err)
	}

	if want := []string{"p2", "p3"}; !reflect.DeepEqual(result.Added, want) {
		t.Errorf("Added = %v, want %v", result.Added, want)
	}
	if want := []string{"p1"}; !reflect.DeepEqual(result.Removed, want) {
		t.Errorf("Removed = %v, want %v", result.Removed, want)
	}
	if _, ok := result.Failed["ghost"]; !ok || len(result.Failed) != 1 {
		t.Errorf("Failed = %v, want only ghost", result.Failed)
	}
	if result.Complete() {
		t.Error("Complete() = true with a failed playlist")
	}

	membership, err := s.store.GetTrackPlaylistMembership(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrackPlaylistMembership: %v", err)
	}
	if got, want := sortedKeys(membership), []string{"p2", "p3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("mirrored membership = %v, want %v", got, want)
	}

	if len(*changes) != 1 {
		t.Fatalf("events = %d, want one batched event", len(*changes))
	}
	change := (*changes)[0]
	if change.TrackID != "t1" || !reflect.DeepEqual(change.PlaylistIDs, []string{"p2", "p3", "p1"}) {
		t.Errorf("event = %+v", change)
	}
}

func TestUpdateTrackPlaylists_NoChange(t *testing.T) {
	s := newTestService(t)
	changes := collect[events.MembershipChange](t, s.bus, events.PlaylistMembershipChanged)

	result, err := s.UpdateTrackPlaylists(context.Background(), "t4", []string{"p2"})
	if err != nil {
		t.Fatalf("UpdateTrackPlaylists: %v", err)
	}
	if len(result.Added)+len(result.Removed) != 0 || !result.Complete() {
		t.Errorf("result = %+v, want no-op", result)
	}
	if s.remote.Calls("AddItemsToPlaylist")+s.remote.Calls("RemoveItemsFromPlaylist") != 0 {
		t.Error("no-op update issued writes")
	}
	if len(*changes) != 0 {
		t.Errorf("events = %+v, want none", *changes)
	}
}

func TestUpdateTrackPlaylists_Cancelled(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Resolve membership first so the cancellation lands between writes.
	if _, err := s.GetTrackPlaylistMembership(ctx, "t1", nil); err != nil {
		t.Fatalf("GetTrackPlaylistMembership: %v", err)
	}
	s.remote.BeforeCall = func(_ context.Context, method string) {
		if method == "AddItemsToPlaylist" {
			cancel()
		}
	}

	result, err := s.UpdateTrackPlaylists(ctx, "t1", []string{"p2", "p3"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result == nil {
		t.Fatal("partial result missing")
	}
	if len(result.Added) != 0 || len(result.Removed) != 0 {
		t.Errorf("result = %+v, want nothing applied", result)
	}
	if _, ok := result.Failed["p2"]; !ok {
		t.Errorf("Failed = %v, want p2", result.Failed)
	}
	if got := s.remote.Calls("AddItemsToPlaylist"); got != 1 {
		t.Errorf("AddItemsToPlaylist called %d times after cancel, want 1", got)
	}
}

func TestMembershipUpdate_Complete(t *testing.T) {
	u := &MembershipUpdate{Failed: map[string]error{}}
	if !u.Complete() {
		t.Error("empty update not complete")
	}
	u.Failed["p"] = errors.New("x")
	if u.Complete() {
		t.Error("failed update reported complete")
	}
}
