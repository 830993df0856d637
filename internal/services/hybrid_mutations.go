package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

// Every mutation talks to the server first; the local mirror is only touched after
// the server accepted the change, and events fire only after the mirror committed.

func (s *HybridService) SetFavorite(ctx context.Context, trackID string, favorite bool) error {
	if s.offline() {
		return ErrOffline
	}

	var err error
	if favorite {
		err = s.remote.AddToFavorites(ctx, trackID)
	} else {
		err = s.remote.RemoveFromFavorites(ctx, trackID)
	}
	if err != nil {
		return err
	}

	if err := s.store.SetFavorite(ctx, trackID, favorite); err != nil {
		return fmt.Errorf("mirror favorite: %w", err)
	}

	s.bus.Publish(events.FavoriteChanged, events.FavoriteChange{TrackID: trackID, Favorite: favorite})
	return nil
}

func (s *HybridService) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (*types.Playlist, error) {
	if s.offline() {
		return nil, ErrOffline
	}

	playlist, err := s.remote.CreatePlaylist(ctx, name, trackIDs)
	if err != nil {
		return nil, err
	}

	if err := s.store.SavePlaylists(ctx, []*types.Playlist{playlist}); err != nil {
		return nil, fmt.Errorf("mirror playlist: %w", err)
	}
	if !s.refreshPlaylist(ctx, playlist.ID) {
		return playlist, nil
	}

	if p, err := s.store.GetPlaylistByID(ctx, playlist.ID); err == nil && p != nil {
		playlist = p
	}
	s.bus.Publish(events.PlaylistMembershipChanged, events.MembershipChange{PlaylistIDs: []string{playlist.ID}})
	return playlist, nil
}

func (s *HybridService) DeletePlaylist(ctx context.Context, playlistID string) error {
	if s.offline() {
		return ErrOffline
	}

	if err := s.remote.DeletePlaylist(ctx, playlistID); err != nil {
		return err
	}
	if err := s.store.DeletePlaylist(ctx, playlistID); err != nil {
		return fmt.Errorf("mirror playlist deletion: %w", err)
	}

	s.bus.Publish(events.PlaylistMembershipChanged, events.MembershipChange{PlaylistIDs: []string{playlistID}})
	return nil
}

func (s *HybridService) AddTracksToPlaylist(ctx context.Context, playlistID string, trackIDs []string) error {
	if len(trackIDs) == 0 {
		return nil
	}
	if s.offline() {
		return ErrOffline
	}

	if err := s.remote.AddItemsToPlaylist(ctx, playlistID, trackIDs); err != nil {
		return err
	}
	if s.refreshPlaylist(ctx, playlistID) {
		s.bus.Publish(events.PlaylistMembershipChanged, events.MembershipChange{PlaylistIDs: []string{playlistID}})
	}
	return nil
}

// RemoveEntriesFromPlaylist removes entries by their per-entry id, so a track
// present twice can lose one occurrence only.
func (s *HybridService) RemoveEntriesFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if s.offline() {
		return ErrOffline
	}

	if err := s.remote.RemoveItemsFromPlaylist(ctx, playlistID, entryIDs); err != nil {
		return err
	}
	if s.refreshPlaylist(ctx, playlistID) {
		s.bus.Publish(events.PlaylistMembershipChanged, events.MembershipChange{PlaylistIDs: []string{playlistID}})
	}
	return nil
}

// refreshPlaylist re-reads a playlist's membership from the server after a write.
// Failures leave the previous mirror in place and are only logged; the next sync
// pass repairs it.
func (s *HybridService) refreshPlaylist(ctx context.Context, playlistID string) bool {
	log := s.log.WithField("playlist_id", playlistID)

	items, err := s.remote.FetchPlaylistItems(ctx, playlistID)
	if err != nil {
		log.WithError(err).Warn("Failed to refresh playlist after update")
		return false
	}
	if _, err := s.store.SavePlaylistItems(ctx, playlistID, items); err != nil {
		log.WithError(err).Warn("Failed to mirror refreshed playlist")
		return false
	}
	return true
}

// MembershipUpdate reports the outcome of UpdateTrackPlaylists per playlist.
type MembershipUpdate struct {
	Added   []string
	Removed []string
	Failed  map[string]error
}

func (u *MembershipUpdate) Complete() bool {
	return len(u.Failed) == 0
}

// UpdateTrackPlaylists makes trackID a member of exactly the playlists in desired.
// The current membership is resolved first, then additions and removals are issued
// per playlist. A failing playlist does not stop the others; it is reported in
// Failed and keeps its previous mirrored state.
func (s *HybridService) UpdateTrackPlaylists(ctx context.Context, trackID string, desired []string) (*MembershipUpdate, error) {
	if s.offline() {
		return nil, ErrOffline
	}

	current, err := s.GetTrackPlaylistMembership(ctx, trackID, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}

	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	var toAdd, toRemove []string
	for id := range want {
		if _, ok := current[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range current {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	result := &MembershipUpdate{Failed: make(map[string]error)}
	var changed []string

	for _, playlistID := range toAdd {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.remote.AddItemsToPlaylist(ctx, playlistID, []string{trackID}); err != nil {
			result.Failed[playlistID] = err
			continue
		}
		result.Added = append(result.Added, playlistID)
		if s.refreshPlaylist(ctx, playlistID) {
			changed = append(changed, playlistID)
		}
	}

	for _, playlistID := range toRemove {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.remote.RemoveItemsFromPlaylist(ctx, playlistID, current[playlistID].EntryIDs); err != nil {
			result.Failed[playlistID] = err
			continue
		}
		result.Removed = append(result.Removed, playlistID)
		if s.refreshPlaylist(ctx, playlistID) {
			changed = append(changed, playlistID)
		}
	}

	s.log.WithFields(logrus.Fields{
		"track_id": trackID,
		"added":    len(result.Added),
		"removed":  len(result.Removed),
		"failed":   len(result.Failed),
	}).Info("Updated track playlists")

	if len(changed) > 0 {
		s.bus.Publish(events.PlaylistMembershipChanged, events.MembershipChange{PlaylistIDs: changed, TrackID: trackID})
	}
	return result, nil
}
