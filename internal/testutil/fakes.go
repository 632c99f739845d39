// Package testutil provides in-memory fakes of the catalog and enrichment
// ports for package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/amura2406/songshake/internal/model"
)

// Track builds a playlist item with a single artist.
func Track(videoID, title, artist string) model.PlaylistTrack {
	return model.PlaylistTrack{
		VideoID: videoID,
		Title:   title,
		Artists: []model.Artist{{Name: artist}},
		Album:   &model.Album{Name: "Album"},
	}
}

// FakeCatalog serves playlists and metadata from maps. Unknown ids get
// playable music metadata with an empty title.
type FakeCatalog struct {
	mu sync.Mutex

	Playlists   map[string][]model.PlaylistTrack
	Metadata    map[string]*model.TrackMetadata
	MetadataErr map[string]error
	// Alternates maps "title artist" to the id SearchAlternate returns.
	Alternates  map[string]string
	PlaylistErr error

	// OnMetadata runs before each metadata lookup.
	OnMetadata func(videoID string)

	metadataCalls []string
	searches      []string
}

// NewFakeCatalog creates an empty catalog
func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{
		Playlists:   make(map[string][]model.PlaylistTrack),
		Metadata:    make(map[string]*model.TrackMetadata),
		MetadataErr: make(map[string]error),
		Alternates:  make(map[string]string),
	}
}

// GetTracks implements the catalog port.
func (c *FakeCatalog) GetTracks(ctx context.Context, playlistID string) ([]model.PlaylistTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PlaylistErr != nil {
		return nil, c.PlaylistErr
	}
	return append([]model.PlaylistTrack(nil), c.Playlists[playlistID]...), nil
}

// GetTrackMetadata implements the catalog port.
func (c *FakeCatalog) GetTrackMetadata(ctx context.Context, videoID string) (*model.TrackMetadata, error) {
	c.mu.Lock()
	hook := c.OnMetadata
	c.metadataCalls = append(c.metadataCalls, videoID)
	err := c.MetadataErr[videoID]
	meta, ok := c.Metadata[videoID]
	c.mu.Unlock()

	if hook != nil {
		hook(videoID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &model.TrackMetadata{VideoID: videoID, IsMusic: true, Playable: true, Year: "2024"}, nil
	}
	copied := *meta
	return &copied, nil
}

// SearchAlternate implements the catalog port.
func (c *FakeCatalog) SearchAlternate(ctx context.Context, title, artist string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := strings.TrimSpace(title + " " + artist)
	c.searches = append(c.searches, query)
	return c.Alternates[query], nil
}

// MetadataCalls returns the ids looked up so far.
func (c *FakeCatalog) MetadataCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.metadataCalls...)
}

// Searches returns the alternate-search queries issued so far.
func (c *FakeCatalog) Searches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.searches...)
}

// EnrichCall records one Enrich invocation.
type EnrichCall struct {
	VideoID string
	Title   string
	Artist  string
}

// FakeEnricher returns Result for every call unless the id is listed in
// Errors or Panics.
type FakeEnricher struct {
	mu sync.Mutex

	Result       model.Enrichment
	Errors       map[string]string
	Panics       map[string]bool
	Unconfigured bool

	// OnEnrich runs before each call.
	OnEnrich func(videoID string)

	calls []EnrichCall
}

// NewFakeEnricher returns an enricher reporting 100 prompt tokens, 50
// completion tokens and 2 search queries per call.
func NewFakeEnricher() *FakeEnricher {
	bpm := 120
	return &FakeEnricher{
		Result: model.Enrichment{
			Genres:      []string{"Pop"},
			Moods:       []string{"Happy"},
			Instruments: []string{"Guitar"},
			BPM:         &bpm,
			Usage: model.EnrichmentUsage{
				PromptTokens:     100,
				CompletionTokens: 50,
				SearchQueries:    2,
			},
		},
		Errors: make(map[string]string),
		Panics: make(map[string]bool),
	}
}

// Enrich implements the enrichment port.
func (e *FakeEnricher) Enrich(ctx context.Context, videoID, title, artist string) model.Enrichment {
	e.mu.Lock()
	e.calls = append(e.calls, EnrichCall{VideoID: videoID, Title: title, Artist: artist})
	hook := e.OnEnrich
	result := e.Result
	msg, failed := e.Errors[videoID]
	panics := e.Panics[videoID]
	e.mu.Unlock()

	if hook != nil {
		hook(videoID)
	}
	if panics {
		panic(fmt.Sprintf("enricher exploded on %s", videoID))
	}
	if failed {
		return model.Enrichment{
			Genres:      []string{},
			Moods:       []string{},
			Instruments: []string{},
			Usage:       model.EnrichmentUsage{PromptTokens: 10, SearchQueries: 1},
			Error:       msg,
		}
	}
	return result
}

// IsConfigured implements the enrichment port.
func (e *FakeEnricher) IsConfigured() bool {
	return !e.Unconfigured
}

// Calls returns the recorded invocations.
func (e *FakeEnricher) Calls() []EnrichCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EnrichCall(nil), e.calls...)
}
