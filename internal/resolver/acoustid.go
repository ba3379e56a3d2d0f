package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/fingerprint"
)

// AcoustIDClient talks to the acoustic-ID lookup service
type AcoustIDClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAcoustIDClient creates a client with the standard 5s call budget
func NewAcoustIDClient(baseURL, apiKey string) *AcoustIDClient {
	return &AcoustIDClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// acoustidResponse is the provider's lookup envelope
type acoustidResponse struct {
	Status  string            `json:"status"`
	Results []AcoustIDResult  `json:"results"`
	Error   *acoustidAPIError `json:"error,omitempty"`
}

type acoustidAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AcoustIDResult is one candidate match
type AcoustIDResult struct {
	ID         string              `json:"id"`
	Score      float64             `json:"score"`
	Recordings []AcoustIDRecording `json:"recordings"`
}

// AcoustIDRecording carries the recording metadata we canonicalize from
type AcoustIDRecording struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Duration float64          `json:"duration"`
	ISRCs    []string         `json:"isrcs"`
	Artists  []AcoustIDArtist `json:"artists"`
	Releases []AcoustIDRelease `json:"releases"`
}

type AcoustIDArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AcoustIDRelease struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Date  struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
	} `json:"date"`
}

// Lookup submits a Chromaprint fingerprint plus duration. The duration
// must be a positive integer: the provider rejects lookups without it, so
// it is validated here before the request is built.
func (c *AcoustIDClient) Lookup(ctx context.Context, vector []int32, durationSeconds int) ([]AcoustIDResult, error) {
	if len(vector) == 0 {
		return nil, enginerr.Newf(enginerr.PermanentInput, "acoustid.lookup", "empty fingerprint")
	}
	if durationSeconds <= 0 {
		return nil, enginerr.Newf(enginerr.PermanentInput, "acoustid.lookup",
			"duration must be positive, got %d", durationSeconds)
	}

	form := url.Values{}
	form.Set("client", c.apiKey)
	form.Set("meta", "recordings+releases+tracks+compress")
	form.Set("fingerprint", base64.RawURLEncoding.EncodeToString(fingerprint.EncodeChromaprint(vector)))
	form.Set("duration", strconv.Itoa(durationSeconds))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/lookup", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "acoustid.lookup", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "acoustid.lookup", err)
	}
	defer resp.Body.Close()

	// 4xx means the service understood and rejected: a no-match, not an
	// outage. 5xx is transient and feeds the circuit breaker.
	if resp.StatusCode >= 500 {
		return nil, enginerr.Newf(enginerr.Transient, "acoustid.lookup",
			"acoustid returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "acoustid.lookup", err)
	}

	var parsed acoustidResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, enginerr.New(enginerr.Transient, "acoustid.lookup",
			fmt.Errorf("failed to decode response: %w", err))
	}

	if parsed.Status != "ok" {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, enginerr.Newf(enginerr.Transient, "acoustid.lookup", "acoustid error: %s", msg)
	}

	return parsed.Results, nil
}
