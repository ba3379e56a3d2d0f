package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sodav/monitor/internal/enginerr"
)

// maxExcerptBytes bounds the audio excerpt uploaded for content
// identification
const maxExcerptBytes = 25 << 20

// AudDClient talks to the content-ID service
type AudDClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewAudDClient creates a client with the standard 5s call budget
func NewAudDClient(baseURL, apiToken string) *AudDClient {
	return &AudDClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// auddResponse is the provider's envelope
type auddResponse struct {
	Status string      `json:"status"`
	Result *AudDResult `json:"result"`
	Error  *auddError  `json:"error,omitempty"`
}

type auddError struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// AudDResult is the single recognized track, with nested provider blocks
// that may each carry an ISRC
type AudDResult struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	ReleaseDate string `json:"release_date"`
	Label       string `json:"label"`
	ISRC        string `json:"isrc"`

	AppleMusic *AudDAppleMusic `json:"apple_music,omitempty"`
	Spotify    *AudDSpotify    `json:"spotify,omitempty"`
	Deezer     *AudDDeezer     `json:"deezer,omitempty"`
}

type AudDAppleMusic struct {
	ISRC             string `json:"isrc"`
	DurationInMillis int64  `json:"durationInMillis"`
	AlbumName        string `json:"albumName"`
}

type AudDSpotify struct {
	ExternalIDs struct {
		ISRC string `json:"isrc"`
	} `json:"external_ids"`
	DurationMs int64 `json:"duration_ms"`
}

type AudDDeezer struct {
	ISRC     string `json:"isrc"`
	Duration int64  `json:"duration"`
}

// BestISRC picks the ISRC checking the primary result first, then the
// provider blocks in order: AppleMusic, Spotify, Deezer.
func (r *AudDResult) BestISRC() string {
	if r == nil {
		return ""
	}
	if r.ISRC != "" {
		return r.ISRC
	}
	if r.AppleMusic != nil && r.AppleMusic.ISRC != "" {
		return r.AppleMusic.ISRC
	}
	if r.Spotify != nil && r.Spotify.ExternalIDs.ISRC != "" {
		return r.Spotify.ExternalIDs.ISRC
	}
	if r.Deezer != nil && r.Deezer.ISRC != "" {
		return r.Deezer.ISRC
	}
	return ""
}

// DurationSeconds returns the best available track duration, 0 if none
func (r *AudDResult) DurationSeconds() float64 {
	if r == nil {
		return 0
	}
	if r.AppleMusic != nil && r.AppleMusic.DurationInMillis > 0 {
		return float64(r.AppleMusic.DurationInMillis) / 1000
	}
	if r.Spotify != nil && r.Spotify.DurationMs > 0 {
		return float64(r.Spotify.DurationMs) / 1000
	}
	if r.Deezer != nil && r.Deezer.Duration > 0 {
		return float64(r.Deezer.Duration)
	}
	return 0
}

// Recognize submits an audio excerpt (WAV bytes, capped at 25 MB) for
// content identification. A nil result with nil error is a clean no-match.
func (c *AudDClient) Recognize(ctx context.Context, excerpt []byte) (*AudDResult, error) {
	if len(excerpt) == 0 {
		return nil, enginerr.Newf(enginerr.PermanentInput, "audd.recognize", "empty excerpt")
	}
	if len(excerpt) > maxExcerptBytes {
		excerpt = excerpt[:maxExcerptBytes]
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("api_token", c.apiToken); err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}
	if err := writer.WriteField("return", "apple_music,spotify,deezer"); err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}

	part, err := writer.CreateFormFile("file", "excerpt.wav")
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}
	if _, err := part.Write(excerpt); err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}
	if err := writer.Close(); err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", &body)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, enginerr.Newf(enginerr.Transient, "audd.recognize",
			"audd returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize", err)
	}

	var parsed auddResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, enginerr.New(enginerr.Transient, "audd.recognize",
			fmt.Errorf("failed to decode response: %w", err))
	}

	if parsed.Status != "success" {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.ErrorMessage
		}
		return nil, enginerr.Newf(enginerr.Transient, "audd.recognize", "audd error: %s", msg)
	}

	// status success with a null result is the provider's no-match
	return parsed.Result, nil
}
