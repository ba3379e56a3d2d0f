// Package ingest opens HTTP audio streams and yields fixed-duration PCM
// chunks. Decoding and resampling run through an ffmpeg child process per
// session; ICY metadata is parsed opportunistically and attached to chunks
// as untrusted hints.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/logger"
	"go.uber.org/zap"
)

// Sentinel errors of the ingest contract
var (
	ErrUnreachable  = errors.New("stream unreachable")
	ErrNotAudio     = errors.New("stream is not audio")
	ErrTimeout      = errors.New("stream read timeout")
	ErrStreamClosed = errors.New("stream closed")
	ErrDecodeError  = errors.New("stream decode error")
)

// Config tunes a stream session
type Config struct {
	ChunkDuration time.Duration // default 10s, valid 5–30s
	SampleRate    int           // default 44100
	Channels      int           // default 2
	ReadTimeout   time.Duration // per-chunk read budget, default 30s
	FFmpegPath    string        // default "ffmpeg"
}

// DefaultConfig returns the ingest defaults
func DefaultConfig() Config {
	return Config{
		ChunkDuration: 10 * time.Second,
		SampleRate:    44100,
		Channels:      2,
		ReadTimeout:   30 * time.Second,
		FFmpegPath:    "ffmpeg",
	}
}

func (c *Config) fill() {
	if c.ChunkDuration == 0 {
		c.ChunkDuration = 10 * time.Second
	}
	if c.SampleRate == 0 {
		c.SampleRate = 44100
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
}

// PCMChunk is one fixed-duration frame of decoded audio
type PCMChunk struct {
	Samples    []int16 // interleaved
	SampleRate int
	Channels   int
	Duration   time.Duration
	CapturedAt time.Time

	// Metadata is the stream's self-description at capture time; a hint,
	// never an identification source
	Metadata ICYMetadata
}

// Backoff is the reconnect policy: exponential from 5s doubling to a 60s
// cap. After MaxConsecutiveFailures the station is degraded.
type Backoff struct {
	attempt int
}

const (
	backoffInitial         = 5 * time.Second
	backoffCap             = 60 * time.Second
	MaxConsecutiveFailures = 3
)

// Next returns the next delay and advances the attempt counter
func (b *Backoff) Next() time.Duration {
	d := backoffInitial << b.attempt
	if d > backoffCap {
		d = backoffCap
	}
	b.attempt++
	return d
}

// Reset clears the attempt counter after a successful read
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the consecutive failure count
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Ingestor opens stream sessions
type Ingestor struct {
	httpClient *http.Client
}

// NewIngestor creates an ingestor
func NewIngestor() *Ingestor {
	return &Ingestor{
		httpClient: &http.Client{
			// no overall timeout: the body is an endless stream
			Timeout: 0,
		},
	}
}

// Open connects to the stream URL, validates the content type, and starts
// the decode pipeline. Fails with ErrUnreachable, ErrNotAudio or
// ErrTimeout wrapped in the engine taxonomy.
func (ing *Ingestor) Open(ctx context.Context, url string, cfg Config) (*Session, error) {
	cfg.fill()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, enginerr.New(enginerr.PermanentInput, "ingest.open",
			fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	// request in-band metadata; servers that don't support it ignore this
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", "sodav-monitor/1.0")

	resp, err := ing.httpClient.Do(req)
	if err != nil {
		kind := enginerr.Transient
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, enginerr.New(kind, "ingest.open", fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return nil, enginerr.New(kind, "ingest.open", fmt.Errorf("%w: %v", ErrUnreachable, err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		kind := enginerr.Transient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = enginerr.PermanentInput
		}
		return nil, enginerr.New(kind, "ingest.open",
			fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if !isAudioContentType(contentType) {
		resp.Body.Close()
		return nil, enginerr.New(enginerr.PermanentInput, "ingest.open",
			fmt.Errorf("%w: content-type %q", ErrNotAudio, contentType))
	}

	session, err := newSession(resp, cfg)
	if err != nil {
		resp.Body.Close()
		return nil, enginerr.New(enginerr.PermanentInput, "ingest.open", err)
	}

	logger.Log.Debug("Stream opened",
		zap.String("url", url),
		zap.String("content_type", contentType),
		zap.String("station_name", session.headerMeta.StationName),
	)

	return session, nil
}

// isAudioContentType accepts audio/* plus the ogg container type some
// icecast servers report
func isAudioContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return strings.HasPrefix(mediaType, "audio/") || mediaType == "application/ogg"
}

// Session is one open stream with a running decode pipeline
type Session struct {
	cfg        Config
	resp       *http.Response
	cmd        *exec.Cmd
	icy        *icyReader
	headerMeta ICYMetadata

	// chunks is capacity-bounded: when the consumer falls behind the
	// reader goroutine blocks, which is the ingest back-pressure
	chunks chan *PCMChunk
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(resp *http.Response, cfg Config) (*Session, error) {
	metaInt := icyMetaInt(resp.Header)
	icy := newICYReader(resp.Body, metaInt)

	cmd := exec.Command(cfg.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"pipe:1",
	)
	cmd.Stdin = icy

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		resp:       resp,
		cmd:        cmd,
		icy:        icy,
		headerMeta: parseICYHeaders(resp.Header),
		chunks:     make(chan *PCMChunk, 3),
		errs:       make(chan error, 1),
		closed:     make(chan struct{}),
	}

	go s.readLoop(stdout)

	return s, nil
}

// readLoop slices ffmpeg's PCM output into fixed-duration chunks
func (s *Session) readLoop(stdout io.Reader) {
	bytesPerChunk := s.cfg.SampleRate * s.cfg.Channels * 2 *
		int(s.cfg.ChunkDuration/time.Second)
	buf := make([]byte, bytesPerChunk)

	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			select {
			case s.errs <- fmt.Errorf("%w: %v", ErrStreamClosed, err):
			default:
			}
			return
		}

		samples := make([]int16, len(buf)/2)
		for i := range samples {
			samples[i] = int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
		}

		meta := s.headerMeta
		meta.StreamTitle = s.icy.Title()

		chunk := &PCMChunk{
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Duration:   s.cfg.ChunkDuration,
			CapturedAt: time.Now(),
			Metadata:   meta,
		}

		select {
		case s.chunks <- chunk:
		case <-s.closed:
			return
		}
	}
}

// NextChunk returns the next PCM chunk, failing with ErrTimeout when no
// chunk arrives within the configured read timeout, or ErrStreamClosed
// when the decode pipeline has ended.
func (s *Session) NextChunk(ctx context.Context) (*PCMChunk, error) {
	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case err := <-s.errs:
		return nil, enginerr.New(enginerr.Transient, "ingest.next_chunk", err)
	case <-timer.C:
		return nil, enginerr.New(enginerr.Transient, "ingest.next_chunk", ErrTimeout)
	case <-ctx.Done():
		return nil, enginerr.New(enginerr.Transient, "ingest.next_chunk",
			fmt.Errorf("%w: %v", ErrStreamClosed, ctx.Err()))
	case <-s.closed:
		return nil, enginerr.New(enginerr.Transient, "ingest.next_chunk", ErrStreamClosed)
	}
}

// Metadata returns the session's current stream metadata
func (s *Session) Metadata() ICYMetadata {
	meta := s.headerMeta
	meta.StreamTitle = s.icy.Title()
	return meta
}

// Close releases the HTTP body and the ffmpeg child. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.resp.Body.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		go s.cmd.Wait()
	})
	return nil
}
