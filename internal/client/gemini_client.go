package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/model"
)

const enrichPromptTemplate = `Analyze this YouTube Music track and provide musical metadata.

YouTube URL: %s
Title: %s
Artist: %s

Return a JSON object with:

1. "genres": list of 1-4 genres. Pick ONLY from this standardized list (choose the most specific applicable):
   %s

2. "moods": list of 2-4 moods. Pick ONLY from this standardized list:
   %s

3. "bpm": integer (beats per minute)

4. "instruments": list of 1-5 main instruments heard in the track. Pick ONLY from this standardized list:
   %s

Return ONLY the JSON object.`

// GeminiClient enriches tracks through the Gemini generateContent REST API
// with Google Search grounding.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     *log.Logger
}

// GenerateContentRequest is the request body of models/{model}:generateContent
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	Tools            []Tool            `json:"tools,omitempty"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is one turn of a conversation
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one piece of content
type Part struct {
	Text string `json:"text,omitempty"`
}

// Tool enables a server-side tool for the call
type Tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

// GenerationConfig constrains the model output
type GenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

// GenerateContentResponse is the subset of the response we read
type GenerateContentResponse struct {
	Candidates []struct {
		Content           Content `json:"content"`
		FinishReason      string  `json:"finishReason"`
		GroundingMetadata *struct {
			WebSearchQueries []string `json:"webSearchQueries"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// enrichmentPayload is the JSON document the prompt asks for
type enrichmentPayload struct {
	Genres      []string `json:"genres"`
	Moods       []string `json:"moods"`
	Instruments []string `json:"instruments"`
	BPM         *float64 `json:"bpm"`
}

// NewGeminiClient creates a new Gemini API client
func NewGeminiClient(cfg *config.GeminiConfig, logger *log.Logger) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		logger:  logger,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Enrich classifies one track. Failures are returned in Enrichment.Error,
// never as a Go error; usage is reported whenever the API returned it.
func (c *GeminiClient) Enrich(ctx context.Context, videoID, title, artist string) model.Enrichment {
	prompt := fmt.Sprintf(enrichPromptTemplate,
		model.WatchURL(videoID), title, artist,
		strings.Join(Genres, ", "),
		strings.Join(Moods, ", "),
		strings.Join(Instruments, ", "),
	)

	reqBody := GenerateContentRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		Tools:    []Tool{{GoogleSearch: &struct{}{}}},
		GenerationConfig: &GenerationConfig{
			ResponseMimeType: "application/json",
		},
	}

	resp, err := c.generateContent(ctx, reqBody)
	if err != nil {
		c.logger.Error("gemini enrichment failed", "video_id", videoID, "err", err)
		return failedEnrichment(err.Error(), model.EnrichmentUsage{})
	}

	usage := model.EnrichmentUsage{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
	if len(resp.Candidates) == 0 {
		return failedEnrichment("no candidates in response", usage)
	}

	candidate := resp.Candidates[0]
	if candidate.GroundingMetadata != nil {
		usage.SearchQueries = int64(len(candidate.GroundingMetadata.WebSearchQueries))
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	var payload enrichmentPayload
	if err := json.Unmarshal([]byte(stripCodeFence(text.String())), &payload); err != nil {
		c.logger.Warn("gemini response is not valid JSON", "video_id", videoID, "err", err)
		return failedEnrichment("JSON parse error", usage)
	}

	c.logger.Debug("gemini enrichment completed",
		"video_id", videoID,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"search_queries", usage.SearchQueries,
	)

	var bpm *int
	if payload.BPM != nil {
		v := int(*payload.BPM + 0.5)
		bpm = &v
	}

	return model.Enrichment{
		Genres:      NormalizeGenres(payload.Genres),
		Moods:       nonNil(payload.Moods),
		Instruments: nonNil(payload.Instruments),
		BPM:         bpm,
		Usage:       usage,
	}
}

func (c *GeminiClient) generateContent(ctx context.Context, reqBody GenerateContentRequest) (*GenerateContentResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out GenerateContentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

func failedEnrichment(msg string, usage model.EnrichmentUsage) model.Enrichment {
	return model.Enrichment{
		Genres:      []string{},
		Moods:       []string{},
		Instruments: []string{},
		Usage:       usage,
		Error:       msg,
	}
}

// stripCodeFence removes a ```json fence some responses wrap around the
// document when grounding is enabled.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
