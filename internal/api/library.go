package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const (
	trackFields    = "MediaSources,ParentId,DateCreated"
	albumFields    = "ChildCount,DateCreated"
	playlistFields = "ChildCount,CumulativeRunTimeTicks"
	minDateFormat  = "2006-01-02T15:04:05.000Z"
)

func (c *Client) itemsPath() string {
	return "/Users/" + url.PathEscape(c.Credentials().UserID) + "/Items"
}

func (c *Client) itemQuery(itemType, fields, sortBy string, since time.Time) url.Values {
	params := url.Values{}
	params.Set("IncludeItemTypes", itemType)
	params.Set("Recursive", "true")
	params.Set("Fields", fields)
	params.Set("SortBy", sortBy)
	params.Set("SortOrder", "Ascending")
	params.Set("EnableImageTypes", "Primary")
	if !since.IsZero() {
		params.Set("MinDateLastSaved", since.UTC().Format(minDateFormat))
	}
	return params
}

func (c *Client) FetchArtists(ctx context.Context, opts types.FetchOptions) ([]*types.Artist, error) {
	params := url.Values{}
	params.Set("userId", c.Credentials().UserID)
	params.Set("Fields", "ChildCount")
	params.Set("SortBy", "SortName")
	params.Set("EnableImageTypes", "Primary")
	if !opts.MinDateLastSaved.IsZero() {
		params.Set("MinDateLastSaved", opts.MinDateLastSaved.UTC().Format(minDateFormat))
	}

	var result itemsResult
	if err := c.getJSON(ctx, "/Artists", params, &result); err != nil {
		return nil, fmt.Errorf("get artists: %w", err)
	}

	artists := artistsFrom(result.Items)
	c.debugLog("Retrieved %d artists", len(artists))
	return artists, nil
}

func (c *Client) FetchAlbums(ctx context.Context, opts types.FetchOptions) ([]*types.Album, error) {
	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(),
		c.itemQuery(itemTypeAlbum, albumFields, "SortName", opts.MinDateLastSaved), &result); err != nil {
		return nil, fmt.Errorf("get albums: %w", err)
	}

	albums := albumsFrom(result.Items)
	c.debugLog("Retrieved %d albums", len(albums))
	return albums, nil
}

func (c *Client) FetchTracksForAlbum(ctx context.Context, albumID string) ([]*types.Track, error) {
	params := c.itemQuery(itemTypeAudio, trackFields, "ParentIndexNumber,IndexNumber,SortName", time.Time{})
	params.Set("ParentId", albumID)

	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(), params, &result); err != nil {
		return nil, fmt.Errorf("get tracks of album %s: %w", albumID, err)
	}
	return tracksFrom(result.Items), nil
}

// FetchAllTracks returns one page of the user's tracks in a stable order.
func (c *Client) FetchAllTracks(ctx context.Context, page types.PageRequest) (*types.TrackPage, error) {
	params := c.itemQuery(itemTypeAudio, trackFields, "SortName,Id", page.MinDateLastSaved)
	params.Set("StartIndex", strconv.Itoa(page.StartIndex))
	if page.Limit > 0 {
		params.Set("Limit", strconv.Itoa(page.Limit))
	}

	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(), params, &result); err != nil {
		return nil, fmt.Errorf("get tracks from %d: %w", page.StartIndex, err)
	}

	tracks := tracksFrom(result.Items)
	c.debugLog("Retrieved %d tracks (start %d, total %d)", len(tracks), page.StartIndex, result.TotalRecordCount)

	return &types.TrackPage{
		Tracks:           tracks,
		StartIndex:       page.StartIndex,
		NextIndex:        page.StartIndex + len(result.Items),
		TotalRecordCount: result.TotalRecordCount,
	}, nil
}

func (c *Client) FetchPlaylists(ctx context.Context, opts types.FetchOptions) ([]*types.Playlist, error) {
	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(),
		c.itemQuery(itemTypePlaylist, playlistFields, "SortName", opts.MinDateLastSaved), &result); err != nil {
		return nil, fmt.Errorf("get playlists: %w", err)
	}

	playlists := playlistsFrom(result.Items)
	c.debugLog("Retrieved %d playlists", len(playlists))
	return playlists, nil
}

func (c *Client) FetchPlaylistItems(ctx context.Context, playlistID string) ([]*types.PlaylistItem, error) {
	params := url.Values{}
	params.Set("userId", c.Credentials().UserID)
	params.Set("Fields", trackFields)

	var result itemsResult
	if err := c.getJSON(ctx, "/Playlists/"+url.PathEscape(playlistID)+"/Items", params, &result); err != nil {
		return nil, fmt.Errorf("get items of playlist %s: %w", playlistID, err)
	}
	return playlistItemsFrom(result.Items), nil
}

func (c *Client) FetchFavorites(ctx context.Context) ([]*types.Track, error) {
	params := c.itemQuery(itemTypeAudio, trackFields, "SortName", time.Time{})
	params.Set("Filters", "IsFavorite")

	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(), params, &result); err != nil {
		return nil, fmt.Errorf("get favorites: %w", err)
	}
	return tracksFrom(result.Items), nil
}

func (c *Client) SearchTracks(ctx context.Context, query string, limit int) ([]*types.Track, error) {
	params := c.itemQuery(itemTypeAudio, trackFields, "SortName", time.Time{})
	params.Set("searchTerm", query)
	if limit > 0 {
		params.Set("Limit", strconv.Itoa(limit))
	}

	var result itemsResult
	if err := c.getJSON(ctx, c.itemsPath(), params, &result); err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}
	return tracksFrom(result.Items), nil
}

func (c *Client) favoritePath(trackID string) string {
	return "/Users/" + url.PathEscape(c.Credentials().UserID) + "/FavoriteItems/" + url.PathEscape(trackID)
}

func (c *Client) AddToFavorites(ctx context.Context, trackID string) error {
	if _, err := c.makeRequest(ctx, http.MethodPost, c.favoritePath(trackID), nil, nil); err != nil {
		return fmt.Errorf("add favorite %s: %w", trackID, err)
	}
	return nil
}

func (c *Client) RemoveFromFavorites(ctx context.Context, trackID string) error {
	if _, err := c.makeRequest(ctx, http.MethodDelete, c.favoritePath(trackID), nil, nil); err != nil {
		return fmt.Errorf("remove favorite %s: %w", trackID, err)
	}
	return nil
}

func (c *Client) CheckIsFavorite(ctx context.Context, trackID string) (bool, error) {
	var item baseItem
	if err := c.getJSON(ctx, c.itemsPath()+"/"+url.PathEscape(trackID), nil, &item); err != nil {
		return false, fmt.Errorf("check favorite %s: %w", trackID, err)
	}
	return item.UserData != nil && item.UserData.IsFavorite, nil
}

func (c *Client) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (*types.Playlist, error) {
	if trackIDs == nil {
		trackIDs = []string{}
	}
	body, err := c.makeRequest(ctx, http.MethodPost, "/Playlists", nil, createPlaylistRequest{
		Name:      name,
		Ids:       trackIDs,
		UserID:    c.Credentials().UserID,
		MediaType: "Audio",
	})
	if err != nil {
		return nil, fmt.Errorf("create playlist: %w", err)
	}

	var created createPlaylistResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode created playlist: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create playlist: %w", ErrUnexpectedItem)
	}

	return &types.Playlist{ID: created.ID, Name: name, ChildCount: len(trackIDs)}, nil
}

func (c *Client) DeletePlaylist(ctx context.Context, playlistID string) error {
	if _, err := c.makeRequest(ctx, http.MethodDelete, "/Items/"+url.PathEscape(playlistID), nil, nil); err != nil {
		return fmt.Errorf("delete playlist %s: %w", playlistID, err)
	}
	return nil
}

func (c *Client) AddItemsToPlaylist(ctx context.Context, playlistID string, trackIDs []string) error {
	if len(trackIDs) == 0 {
		return nil
	}
	params := url.Values{}
	params.Set("ids", strings.Join(trackIDs, ","))
	params.Set("userId", c.Credentials().UserID)

	if _, err := c.makeRequest(ctx, http.MethodPost, "/Playlists/"+url.PathEscape(playlistID)+"/Items", params, nil); err != nil {
		return fmt.Errorf("add items to playlist %s: %w", playlistID, err)
	}
	return nil
}

func (c *Client) RemoveItemsFromPlaylist(ctx context.Context, playlistID string, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	params := url.Values{}
	params.Set("entryIds", strings.Join(entryIDs, ","))

	if _, err := c.makeRequest(ctx, http.MethodDelete, "/Playlists/"+url.PathEscape(playlistID)+"/Items", params, nil); err != nil {
		return fmt.Errorf("remove items from playlist %s: %w", playlistID, err)
	}
	return nil
}

// PingServerInfo succeeds when the server answers /System/Info for these credentials.
func (c *Client) PingServerInfo(ctx context.Context) error {
	if _, err := c.makeRequest(ctx, http.MethodGet, "/System/Info", nil, nil); err != nil {
		return fmt.Errorf("ping server: %w", err)
	}
	return nil
}

// StreamURL builds an absolute, authenticated URL for the original media file.
func (c *Client) StreamURL(trackID string, container string) string {
	creds := c.Credentials()

	params := url.Values{}
	params.Set("static", "true")
	params.Set("api_key", creds.AccessToken)
	params.Set("deviceId", c.deviceID)
	if container != "" {
		params.Set("container", container)
	}
	return creds.ServerAddress + "/Audio/" + url.PathEscape(trackID) + "/stream?" + params.Encode()
}
