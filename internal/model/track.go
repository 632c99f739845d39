package model

import (
	"fmt"
	"strings"
	"time"
)

// Thumbnail is a catalog artwork reference.
type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Artist is a catalog artist reference.
type Artist struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// Track is the enriched catalog entry, keyed by the original media id.
// Owners are linked to it, never copied into it.
type Track struct {
	VideoID         string      `json:"videoId"`
	Title           string      `json:"title"`
	Artists         string      `json:"artists"`
	Album           string      `json:"album,omitempty"`
	Year            string      `json:"year,omitempty"`
	Thumbnails      []Thumbnail `json:"thumbnails"`
	Genres          []string    `json:"genres"`
	Moods           []string    `json:"moods"`
	Instruments     []string    `json:"instruments"`
	BPM             *int        `json:"bpm"`
	Status          TrackStatus `json:"status"`
	IsMusic         bool        `json:"isMusic"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	PlayableVideoID string      `json:"playableVideoId,omitempty"`
	URL             string      `json:"url"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Success reports whether enrichment produced usable metadata.
func (t *Track) Success() bool {
	return t.Status == TrackStatusSuccess
}

// Tags returns the track's genres, moods and instruments plus the Success
// or Failed pseudo-tag.
func (t *Track) Tags() map[string]bool {
	tags := make(map[string]bool, len(t.Genres)+len(t.Moods)+len(t.Instruments)+1)
	for _, group := range [][]string{t.Genres, t.Moods, t.Instruments} {
		for _, tag := range group {
			tags[tag] = true
		}
	}
	if t.Success() {
		tags[TagSuccess] = true
	} else {
		tags[TagFailed] = true
	}
	return tags
}

// PlaybackID is the id used for playback links and enrichment input.
func (t *Track) PlaybackID() string {
	if t.PlayableVideoID != "" {
		return t.PlayableVideoID
	}
	return t.VideoID
}

// WatchURL builds the music player link for a media id.
func WatchURL(videoID string) string {
	return fmt.Sprintf("https://music.youtube.com/watch?v=%s", videoID)
}

// PlaylistTrack is one entry of a playlist as returned by the catalog.
type PlaylistTrack struct {
	VideoID    string      `json:"videoId"`
	Title      string      `json:"title"`
	Artists    []Artist    `json:"artists"`
	Album      *Album      `json:"album"`
	Thumbnails []Thumbnail `json:"thumbnails"`
}

// Album is a catalog album reference.
type Album struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// TrackMetadata is the authoritative single-track lookup from the catalog.
type TrackMetadata struct {
	VideoID    string      `json:"videoId"`
	Title      string      `json:"title"`
	IsMusic    bool        `json:"isMusic"`
	Playable   bool        `json:"playable"`
	Artists    []Artist    `json:"artists"`
	Album      *Album      `json:"album"`
	Year       string      `json:"year"`
	Thumbnails []Thumbnail `json:"thumbnails"`
}

// Enrichment is the classification result for one track. A non-empty
// Error means the enrichment failed; Usage is still meaningful.
type Enrichment struct {
	Genres      []string        `json:"genres"`
	Moods       []string        `json:"moods"`
	Instruments []string        `json:"instruments"`
	BPM         *int            `json:"bpm"`
	Usage       EnrichmentUsage `json:"usage"`
	Error       string          `json:"error,omitempty"`
}

// EnrichmentUsage is the token accounting of a single enrichment call.
type EnrichmentUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	SearchQueries    int64 `json:"searchQueries"`
}

// JoinArtists renders artist names the way they are stored on a Track.
func JoinArtists(artists []Artist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

// TrackFilter narrows an owner's track listing. Zero values disable a
// criterion; Limit 0 means no limit.
type TrackFilter struct {
	Status TrackStatus
	// Tags must all be present on a track, pseudo-tags included.
	Tags   []string
	MinBPM int
	MaxBPM int
	Skip   int
	Limit  int
}

// ListTracksQuery is the query string of GET /api/tracks. Tags is a
// comma-separated list.
type ListTracksQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=success error non-music"`
	Tags   string `query:"tags" validate:"max=512"`
	MinBPM int    `query:"min_bpm" validate:"omitempty,min=1,max=300"`
	MaxBPM int    `query:"max_bpm" validate:"omitempty,min=1,max=300"`
	Skip   int    `query:"skip" validate:"min=0"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=200"`
}

// Tag is one entry of an owner's tag cloud.
type Tag struct {
	Name  string  `json:"name"`
	Type  TagType `json:"type"`
	Count int     `json:"count"`
}

// PlaylistStatus is the enrichment state of one playlist for an owner:
// its most recent finished run and any job still in flight.
type PlaylistStatus struct {
	PlaylistID    string     `json:"playlistId"`
	PlaylistName  string     `json:"playlistName,omitempty"`
	LastProcessed *time.Time `json:"lastProcessed"`
	LastStatus    JobStatus  `json:"lastStatus,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ItemCount     int        `json:"itemCount"`
	IsRunning     bool       `json:"isRunning"`
	ActiveJobID   string     `json:"activeJobId,omitempty"`
}
