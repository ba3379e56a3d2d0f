package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sodav/monitor/internal/enginerr"
)

// MetadataClient queries the metadata directory by (artist, recording).
// Used only when the stream supplies structured ICY hints.
type MetadataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMetadataClient creates a client with the standard 5s call budget
func NewMetadataClient(baseURL string) *MetadataClient {
	return &MetadataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// metadataResponse is the directory's search envelope
type metadataResponse struct {
	Recordings []MetadataRecording `json:"recordings"`
}

// MetadataRecording is one candidate, ordered by score
type MetadataRecording struct {
	ID     string   `json:"id"`
	Score  int      `json:"score"` // 0–100
	Title  string   `json:"title"`
	Length int64    `json:"length"` // milliseconds
	ISRCs  []string `json:"isrcs"`

	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`

	Releases []struct {
		Title string `json:"title"`
		Date  string `json:"date"`
	} `json:"releases"`
}

// ArtistName returns the credited artist, "" when absent
func (r *MetadataRecording) ArtistName() string {
	if len(r.ArtistCredit) == 0 {
		return ""
	}
	return r.ArtistCredit[0].Name
}

// Confidence maps the directory score onto [0,1]
func (r *MetadataRecording) Confidence() float64 {
	return float64(r.Score) / 100
}

// Search looks up recordings by artist and title. Candidates come back in
// score order.
func (c *MetadataClient) Search(ctx context.Context, artist, title string) ([]MetadataRecording, error) {
	params := url.Values{}
	params.Set("artist", artist)
	params.Set("recording", title)
	params.Set("fmt", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/recording?"+params.Encode(), nil)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "metadata.search", err)
	}
	req.Header.Set("User-Agent", "sodav-monitor/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "metadata.search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, enginerr.Newf(enginerr.Transient, "metadata.search",
			"metadata directory returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "metadata.search", err)
	}

	var parsed metadataResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, enginerr.New(enginerr.Transient, "metadata.search",
			fmt.Errorf("failed to decode response: %w", err))
	}

	return parsed.Recordings, nil
}
