// Package search ranks mirrored library entities against a free-text query without
// touching the network.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

// Library is the read surface the engine needs from the local store.
type Library interface {
	GetAllTracks(ctx context.Context) ([]*types.Track, error)
	GetAlbums(ctx context.Context) ([]*types.Album, error)
	GetArtists(ctx context.Context) ([]*types.Artist, error)
}

type Results struct {
	Tracks  []*types.Track
	Albums  []*types.Album
	Artists []*types.Artist
}

func (r *Results) Total() int {
	return len(r.Tracks) + len(r.Albums) + len(r.Artists)
}

type Engine struct {
	library Library
}

func NewEngine(library Library) *Engine {
	return &Engine{library: library}
}

// SearchTracks ranks mirrored tracks by name, artist and album.
func (e *Engine) SearchTracks(ctx context.Context, query string, limit int) ([]*types.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*types.Track{}, nil
	}

	tracks, err := e.library.GetAllTracks(ctx)
	if err != nil {
		return nil, err
	}
	return truncate(rankTracks(tracks, query), limit), nil
}

// Search ranks every entity kind; limit applies per kind.
func (e *Engine) Search(ctx context.Context, query string, limit int) (*Results, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Results{}, nil
	}

	tracks, err := e.library.GetAllTracks(ctx)
	if err != nil {
		return nil, err
	}
	albums, err := e.library.GetAlbums(ctx)
	if err != nil {
		return nil, err
	}
	artists, err := e.library.GetArtists(ctx)
	if err != nil {
		return nil, err
	}

	return &Results{
		Tracks: truncate(rankTracks(tracks, query), limit),
		Albums: truncate(rank(albums, query, func(a *types.Album) float64 {
			return nameScore(a.Name, query) + 0.5*containsScore(a.AlbumArtist, query)
		}), limit),
		Artists: truncate(rank(artists, query, func(a *types.Artist) float64 {
			return nameScore(a.Name, query)
		}), limit),
	}, nil
}

func rankTracks(tracks []*types.Track, query string) []*types.Track {
	return rank(tracks, query, func(t *types.Track) float64 {
		score := nameScore(t.Name, query)
		score += 0.5 * containsScore(t.AlbumName, query)
		for _, artist := range t.Artists {
			score += 0.7 * containsScore(artist, query)
		}
		return score
	})
}

type scored[T any] struct {
	item  T
	score float64
}

func rank[T any](items []T, query string, score func(T) float64) []T {
	var hits []scored[T]
	for _, item := range items {
		if s := score(item); s > 0 {
			hits = append(hits, scored[T]{item: item, score: s})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})

	out := make([]T, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.item)
	}
	return out
}

// nameScore rewards substring hits most, then in-order character matches, then a
// small edit distance for typos.
func nameScore(name, query string) float64 {
	if name == "" {
		return 0
	}
	nameLower := strings.ToLower(name)
	queryLower := strings.ToLower(query)

	score := containsScore(name, query)
	if score == 0 && fuzzy.MatchFold(query, name) {
		score += 4.0
	}

	distance := fuzzy.LevenshteinDistance(queryLower, nameLower)
	if distance <= len(queryLower)/2 {
		score += float64(len(queryLower) - distance)
	}
	return score
}

func containsScore(field, query string) float64 {
	if field != "" && strings.Contains(strings.ToLower(field), strings.ToLower(query)) {
		return 10.0
	}
	return 0
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
