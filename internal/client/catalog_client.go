package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/model"
)

// CatalogClient talks to the music-catalog proxy that wraps YouTube Music.
// Outbound requests are throttled by a shared token bucket.
type CatalogClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewCatalogClient creates a new catalog proxy client
func NewCatalogClient(cfg *config.CatalogConfig) *CatalogClient {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	return &CatalogClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *CatalogClient) get(ctx context.Context, endpoint string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Detail != "" {
			return fmt.Errorf("catalog API error (status %d): %s", resp.StatusCode, errResp.Detail)
		}
		return fmt.Errorf("catalog API error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetTracks returns the playlist's tracks in playlist order.
//
// Calls GET /api/playlists/{id} on the proxy.
func (c *CatalogClient) GetTracks(ctx context.Context, playlistID string) ([]model.PlaylistTrack, error) {
	var playlist struct {
		ID     string                `json:"id"`
		Title  string                `json:"title"`
		Tracks []model.PlaylistTrack `json:"tracks"`
	}

	endpoint := fmt.Sprintf("/api/playlists/%s", url.PathEscape(playlistID))
	if err := c.get(ctx, endpoint, &playlist); err != nil {
		return nil, err
	}
	return playlist.Tracks, nil
}

// GetTrackMetadata returns the authoritative metadata of a single track.
//
// Calls GET /api/songs/{id} on the proxy.
func (c *CatalogClient) GetTrackMetadata(ctx context.Context, videoID string) (*model.TrackMetadata, error) {
	var meta model.TrackMetadata

	endpoint := fmt.Sprintf("/api/songs/%s", url.PathEscape(videoID))
	if err := c.get(ctx, endpoint, &meta); err != nil {
		return nil, err
	}
	if meta.VideoID == "" {
		meta.VideoID = videoID
	}
	return &meta, nil
}

// SearchAlternate returns the first song result for "title artist", or an
// empty id when the search has no usable hit.
//
// Calls GET /api/search?q=...&filter=songs on the proxy.
func (c *CatalogClient) SearchAlternate(ctx context.Context, title, artist string) (string, error) {
	var results []struct {
		VideoID string `json:"videoId"`
		Title   string `json:"title"`
	}

	query := url.Values{}
	query.Set("q", strings.TrimSpace(title+" "+artist))
	query.Set("filter", "songs")
	query.Set("limit", "5")

	if err := c.get(ctx, "/api/search?"+query.Encode(), &results); err != nil {
		return "", err
	}
	for _, r := range results {
		if r.VideoID != "" {
			return r.VideoID, nil
		}
	}
	return "", nil
}
