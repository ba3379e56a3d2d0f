// Package scheduler owns one logical task per monitored station and wires
// the pipeline: ingest, feature extraction, fingerprinting, resolution,
// play tracking, stats. Cross-station parallelism is bounded by the worker
// cap; within a station the pipeline is strictly sequential.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sodav/monitor/internal/dsp"
	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/events"
	"github.com/sodav/monitor/internal/fingerprint"
	"github.com/sodav/monitor/internal/ingest"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"github.com/sodav/monitor/internal/models"
	"github.com/sodav/monitor/internal/resolver"
	"github.com/sodav/monitor/internal/stats"
	"github.com/sodav/monitor/internal/tracker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduling constants
const (
	stopGracePeriod     = 30 * time.Second
	sweepInterval       = 60 * time.Second
	fatalRestartDelay   = 5 * time.Second
	maxConsecutiveFatal = 5
	pipelineSoftBudget  = 10 * time.Second
)

// Config tunes the scheduler
type Config struct {
	MaxConcurrentStations int
	DetectionInterval     time.Duration
	ChunkDuration         time.Duration
	MergeWindow           time.Duration
	FFmpegPath            string
}

func (c *Config) fill() {
	if c.MaxConcurrentStations <= 0 {
		c.MaxConcurrentStations = 5
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 60 * time.Second
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 10 * time.Second
	}
	if c.MergeWindow <= 0 {
		c.MergeWindow = tracker.DefaultMergeWindow
	}
}

// StationHealth is one row of the scheduler's health report
type StationHealth struct {
	StationID        string    `json:"station_id"`
	State            string    `json:"state"`
	LastChunkAt      time.Time `json:"last_chunk_at"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// workerStatus is the mutable per-station bookkeeping shared with the
// health report
type workerStatus struct {
	mu               sync.Mutex
	state            string
	lastChunkAt      time.Time
	consecutiveFails int
	cancel           context.CancelFunc
}

// Scheduler runs the station workers
type Scheduler struct {
	cfg      Config
	db       *gorm.DB
	ingestor *ingest.Ingestor
	extract  *dsp.Extractor
	codec    *fingerprint.Codec
	resolve  *resolver.Resolver
	recorder *stats.Recorder
	bus      *events.Bus

	mu      sync.Mutex
	workers map[string]*workerStatus
	sem     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler
func New(cfg Config, db *gorm.DB, ingestor *ingest.Ingestor, extract *dsp.Extractor,
	codec *fingerprint.Codec, resolve *resolver.Resolver, recorder *stats.Recorder,
	bus *events.Bus) *Scheduler {
	cfg.fill()
	return &Scheduler{
		cfg:      cfg,
		db:       db,
		ingestor: ingestor,
		extract:  extract,
		codec:    codec,
		resolve:  resolve,
		recorder: recorder,
		bus:      bus,
		workers:  make(map[string]*workerStatus),
	}
}

// Start launches one worker per station, bounded by the concurrency cap
func (s *Scheduler) Start(stations []models.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// the semaphore bounds how many workers stream concurrently
	s.sem = make(chan struct{}, s.cfg.MaxConcurrentStations)

	for i := range stations {
		s.launchWorker(stations[i], s.sem)
	}

	// DB-level sweep closes detections abandoned by dead workers
	s.wg.Add(1)
	go s.sweepLoop()

	logger.Log.Info("Scheduler started",
		zap.Int("stations", len(stations)),
		zap.Int("max_concurrent", s.cfg.MaxConcurrentStations),
	)

	return nil
}

// launchWorker registers and starts one station worker. Caller holds s.mu.
func (s *Scheduler) launchWorker(station models.Station, sem chan struct{}) {
	wctx, wcancel := context.WithCancel(s.ctx)
	status := &workerStatus{state: "starting", cancel: wcancel}
	s.workers[station.ID] = status

	s.wg.Add(1)
	go s.runWorker(wctx, station, status, sem)
}

// Stop cancels every worker and waits up to the grace period
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info("Scheduler stopped cleanly")
	case <-time.After(stopGracePeriod):
		logger.Warn("Scheduler stop grace period expired, forcing shutdown")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Restart cancels and relaunches the worker for one station
func (s *Scheduler) Restart(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return fmt.Errorf("scheduler not started")
	}

	status, ok := s.workers[stationID]
	if !ok {
		return fmt.Errorf("no worker for station %s", stationID)
	}
	status.cancel()

	var station models.Station
	if err := s.db.First(&station, "id = ?", stationID).Error; err != nil {
		return fmt.Errorf("failed to load station %s: %w", stationID, err)
	}

	s.launchWorker(station, s.sem)

	logger.Log.Info("Station worker restarted", logger.WithStation(stationID))
	return nil
}

// Health reports per-station worker state
func (s *Scheduler) Health() []StationHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := make([]StationHealth, 0, len(s.workers))
	for id, status := range s.workers {
		status.mu.Lock()
		report = append(report, StationHealth{
			StationID:        id,
			State:            status.state,
			LastChunkAt:      status.lastChunkAt,
			ConsecutiveFails: status.consecutiveFails,
		})
		status.mu.Unlock()
	}
	return report
}

// runWorker is the outer loop: it survives panics, restarting the
// monitoring cycle until the fatal budget is spent or the context ends.
func (s *Scheduler) runWorker(ctx context.Context, station models.Station, status *workerStatus, sem chan struct{}) {
	defer s.wg.Done()

	consecutiveFatal := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fatal := s.runCycleRecovered(ctx, station, status, sem)

		if ctx.Err() != nil {
			return
		}

		if fatal {
			consecutiveFatal++
			metrics.Get().WorkerRestartsTotal.WithLabelValues(station.ID).Inc()

			if consecutiveFatal >= maxConsecutiveFatal {
				logger.Error("Station worker exceeded fatal budget, marking inactive",
					logger.WithStation(station.ID),
					zap.Int("consecutive_fatal", consecutiveFatal))
				s.markStation(station.ID, models.StationInactive)
				s.bus.StationDegraded(station.ID, "worker exceeded consecutive fatal errors")
				s.setState(status, "inactive")
				return
			}

			select {
			case <-time.After(fatalRestartDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		consecutiveFatal = 0

		// idle pause between monitoring cycles
		select {
		case <-time.After(s.cfg.DetectionInterval):
		case <-ctx.Done():
			return
		}
	}
}

// runCycleRecovered runs one monitoring cycle, converting panics into a
// fatal signal instead of unwinding past the worker boundary
func (s *Scheduler) runCycleRecovered(ctx context.Context, station models.Station, status *workerStatus, sem chan struct{}) (fatal bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Station worker panicked",
				logger.WithStation(station.ID),
				zap.Any("panic", r))
			fatal = true
		}
	}()

	// bound cross-station concurrency
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-sem }()

	metrics.Get().ActiveWorkers.Inc()
	defer metrics.Get().ActiveWorkers.Dec()

	err := s.monitorStation(ctx, station, status)
	if err != nil && enginerr.KindOf(err) == enginerr.Fatal {
		return true
	}
	return false
}

// monitorStation opens the stream and runs the chunk pipeline until the
// stream fails permanently or the context ends
func (s *Scheduler) monitorStation(ctx context.Context, station models.Station, status *workerStatus) error {
	t := tracker.New(station.ID, s.recorder, s.cfg.MergeWindow)
	defer func() {
		// close any open session before the worker yields its slot
		if err := t.Flush(time.Now()); err != nil {
			logger.ErrorWithFields("Failed to flush tracker state", err)
		}
	}()

	backoff := &ingest.Backoff{}
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		session, err := s.ingestor.Open(ctx, station.StreamURL, ingest.Config{
			ChunkDuration: s.cfg.ChunkDuration,
			FFmpegPath:    s.cfg.FFmpegPath,
		})
		if err != nil {
			if enginerr.IsPermanentInput(err) {
				s.degradeStation(station.ID, status, err.Error())
				return nil
			}
			if !s.backoffOrDegrade(ctx, station.ID, status, backoff, err) {
				return nil
			}
			continue
		}

		s.setState(status, "streaming")
		s.markStation(station.ID, models.StationActive)

		err = s.pumpChunks(ctx, station, status, session, t, backoff, &lastSweep)
		session.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if enginerr.KindOf(err) == enginerr.Fatal {
				return err
			}
			if enginerr.IsPermanentInput(err) {
				s.degradeStation(station.ID, status, err.Error())
				return nil
			}
			if !s.backoffOrDegrade(ctx, station.ID, status, backoff, err) {
				return nil
			}
		}
	}
}

// pumpChunks drives the per-chunk pipeline for one open session
func (s *Scheduler) pumpChunks(ctx context.Context, station models.Station, status *workerStatus,
	session *ingest.Session, t *tracker.Tracker, backoff *ingest.Backoff, lastSweep *time.Time) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(*lastSweep) >= sweepInterval {
			*lastSweep = time.Now()
			if err := t.Sweep(time.Now()); err != nil {
				return enginerr.New(enginerr.Fatal, "scheduler.sweep", err)
			}
		}

		chunk, err := session.NextChunk(ctx)
		if err != nil {
			return err
		}

		backoff.Reset()
		status.mu.Lock()
		status.lastChunkAt = chunk.CapturedAt
		status.consecutiveFails = 0
		status.mu.Unlock()

		if err := s.processChunk(ctx, station, t, chunk); err != nil {
			// persistence failures are fatal for the station-cycle: the
			// tracker was not advanced, so the cycle can be retried
			return enginerr.New(enginerr.Fatal, "scheduler.process_chunk", err)
		}
	}
}

// processChunk runs classify → fingerprint → resolve → track for one chunk
func (s *Scheduler) processChunk(ctx context.Context, station models.Station, t *tracker.Tracker, chunk *ingest.PCMChunk) error {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		metrics.Get().ChunkPipelineDuration.WithLabelValues(station.ID).Observe(elapsed.Seconds())
		if elapsed > pipelineSoftBudget {
			logger.Warn("Chunk pipeline exceeded soft budget",
				logger.WithStation(station.ID),
				zap.Duration("elapsed", elapsed))
		}
	}()
	metrics.Get().ChunksProcessedTotal.WithLabelValues(station.ID).Inc()

	now := chunk.CapturedAt

	bundle := s.extract.Extract(chunk.Samples, chunk.SampleRate, chunk.Channels)
	class, _ := dsp.Classify(bundle)
	metrics.Get().ClassificationsTotal.WithLabelValues(string(class)).Inc()

	// only music flows to identification; everything else advances the
	// silence side of the state machine
	if class != dsp.Music {
		return t.OnNoTrack(now)
	}

	pair, err := s.codec.Encode(bundle, chunk.Samples, chunk.SampleRate, chunk.Channels)
	if err != nil {
		logger.Warn("Fingerprint encoding failed",
			logger.WithStation(station.ID), zap.Error(err))
		return t.OnNoTrack(now)
	}

	input := &resolver.Input{
		StationID:  station.ID,
		Bundle:     bundle,
		Pair:       pair,
		PCM:        chunk.Samples,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		ISRCHint:   t.CurrentISRC(),
	}
	if artist, title, ok := chunk.Metadata.Hint(); ok {
		input.ArtistHint = artist
		input.TitleHint = title
	}

	// the max-play cap forces a full re-resolution: drop the shortcut so
	// a long session has to re-prove its identity
	if t.NeedsReverification(now) {
		input.ISRCHint = ""
		defer t.MarkVerified(now)
	}

	match, err := s.resolve.Resolve(ctx, input)
	if err != nil {
		if err == resolver.ErrNoMatch {
			return t.OnNoTrack(now)
		}
		return err
	}

	return t.OnMatch(tracker.Match{
		Track:      match.Track,
		Confidence: match.Confidence,
		Method:     match.Method,
	}, now)
}

// backoffOrDegrade sleeps the reconnect backoff; after the strike limit
// the station degrades and the cycle ends. Returns false when the worker
// should stop retrying.
func (s *Scheduler) backoffOrDegrade(ctx context.Context, stationID string, status *workerStatus,
	backoff *ingest.Backoff, cause error) bool {
	status.mu.Lock()
	status.consecutiveFails++
	status.mu.Unlock()

	metrics.Get().StreamReconnectsTotal.WithLabelValues(stationID).Inc()

	if backoff.Attempts() >= ingest.MaxConsecutiveFailures {
		s.degradeStation(stationID, status, cause.Error())
		return false
	}

	delay := backoff.Next()
	logger.Warn("Stream failure, backing off",
		logger.WithStation(stationID),
		zap.Duration("delay", delay),
		zap.Error(cause))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// degradeStation marks the station degraded in the store and announces it
func (s *Scheduler) degradeStation(stationID string, status *workerStatus, reason string) {
	s.setState(status, "degraded")
	s.markStation(stationID, models.StationDegraded)
	s.bus.StationDegraded(stationID, reason)
	metrics.Get().StationsDegradedTotal.WithLabelValues(stationID).Inc()

	logger.Warn("Station degraded",
		logger.WithStation(stationID),
		zap.String("reason", reason))
}

// markStation persists a station status transition
func (s *Scheduler) markStation(stationID, state string) {
	err := s.db.Model(&models.Station{}).
		Where("id = ?", stationID).
		Updates(map[string]interface{}{
			"status":     state,
			"last_check": time.Now().UTC(),
		}).Error
	if err != nil {
		logger.ErrorWithFields("Failed to update station status", err)
	}
}

func (s *Scheduler) setState(status *workerStatus, state string) {
	status.mu.Lock()
	status.state = state
	status.mu.Unlock()
}

// sweepLoop periodically finalizes detections abandoned at the store
// level (worker death, process crash recovery)
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			grace := s.cfg.MergeWindow + stopGracePeriod
			if n, err := s.recorder.FinalizeStale(grace); err != nil {
				logger.ErrorWithFields("Stale detection sweep failed", err)
			} else if n > 0 {
				logger.Log.Info("Stale detections finalized", zap.Int("count", n))
			}
		case <-s.ctx.Done():
			return
		}
	}
}
