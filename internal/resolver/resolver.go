// Package resolver implements the hierarchical track identification
// cascade: ISRC shortcut, local exact hash, local similarity, then the
// external metadata, acoustic and content probes. The cascade is a fixed
// sequential order terminating on the first acceptable match. A metadata
// hit skips the acoustic probe; an acoustic miss or failure falls through
// to the content probe, so such a chunk calls both identification services.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/sodav/monitor/internal/cache"
	"github.com/sodav/monitor/internal/dsp"
	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/fingerprint"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"github.com/sodav/monitor/internal/models"
	"github.com/sodav/monitor/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoMatch is returned when every cascade step fails
var ErrNoMatch = errors.New("no identification match")

// Per-step timeouts
const (
	localTimeout    = 200 * time.Millisecond
	externalTimeout = 5 * time.Second
)

// Provider names used for breakers, metrics and spans
const (
	providerMetadata = "metadata"
	providerAcoustID = "acoustid"
	providerAudD     = "audd"
)

// Thresholds configures the per-method acceptance levels
type Thresholds struct {
	Local    float64 // local similarity, default 0.7
	Content  float64 // content-ID, default 0.6
	Acoustic float64 // acoustic-ID, default 0.8
}

// DefaultThresholds returns the standard per-method thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{Local: 0.7, Content: 0.6, Acoustic: 0.8}
}

// Input is everything the cascade works from for one chunk
type Input struct {
	StationID string

	Bundle *dsp.FeatureBundle
	Pair   *fingerprint.Pair

	// Raw PCM backing the chunk, for the content-probe excerpt
	PCM        []int16
	SampleRate int
	Channels   int

	// ISRCHint carries the ISRC of the previously identified track when a
	// chunk is suspected to continue it
	ISRCHint string

	// ICY hints, untrusted
	ArtistHint string
	TitleHint  string
}

// Match is a successful identification
type Match struct {
	Track      *models.Track
	Confidence float64
	Method     string
}

// Resolver runs the cascade
type Resolver struct {
	db         *gorm.DB
	idcache    *cache.IdentifierCache
	thresholds Thresholds

	metadata *MetadataClient
	acoustid *AcoustIDClient
	audd     *AudDClient

	breakers map[string]*CircuitBreaker
}

// New creates a resolver. idcache may be nil.
func New(db *gorm.DB, idcache *cache.IdentifierCache, metadata *MetadataClient,
	acoustid *AcoustIDClient, audd *AudDClient, thresholds Thresholds) *Resolver {
	return &Resolver{
		db:         db,
		idcache:    idcache,
		thresholds: thresholds,
		metadata:   metadata,
		acoustid:   acoustid,
		audd:       audd,
		breakers: map[string]*CircuitBreaker{
			providerMetadata: NewCircuitBreaker(providerMetadata),
			providerAcoustID: NewCircuitBreaker(providerAcoustID),
			providerAudD:     NewCircuitBreaker(providerAudD),
		},
	}
}

// Breaker exposes a provider's circuit breaker
func (r *Resolver) Breaker(provider string) *CircuitBreaker {
	return r.breakers[provider]
}

// Resolve runs the cascade for one music chunk. Persistence errors
// propagate; exhausting all steps returns ErrNoMatch.
func (r *Resolver) Resolve(ctx context.Context, input *Input) (*Match, error) {
	// step 1: ISRC shortcut
	if match, err := r.resolveByISRC(ctx, input.ISRCHint); err != nil {
		return nil, err
	} else if match != nil {
		metrics.Get().CascadeResolutionsTotal.WithLabelValues(models.MethodISRC).Inc()
		return match, nil
	}

	// step 2: local exact hash
	if match, err := r.resolveLocalExact(ctx, input.Pair); err != nil {
		return nil, err
	} else if match != nil {
		metrics.Get().CascadeResolutionsTotal.WithLabelValues(models.MethodLocalExact).Inc()
		return match, nil
	}

	// step 3: local similarity scan
	if match, err := r.resolveLocalSimilarity(ctx, input.Bundle, input.Pair); err != nil {
		return nil, err
	} else if match != nil {
		metrics.Get().CascadeResolutionsTotal.WithLabelValues(models.MethodLocalSimilarity).Inc()
		return match, nil
	}

	// step 4: metadata probe from structured ICY hints. A hit steers the
	// cascade straight to the content probe (skipping the acoustic call)
	// and enriches its result.
	hintMeta, hintConfidence := r.probeMetadata(ctx, input)

	// step 5: acoustic probe, skipped when the directory already
	// identified the hints
	if hintMeta == nil {
		if match, err := r.probeAcoustic(ctx, input); err != nil {
			return nil, err
		} else if match != nil {
			metrics.Get().CascadeResolutionsTotal.WithLabelValues(models.MethodAcoustID).Inc()
			return match, nil
		}
	}

	// step 6–7: content probe, canonicalize
	if match, err := r.probeContent(ctx, input, hintMeta, hintConfidence); err != nil {
		return nil, err
	} else if match != nil {
		metrics.Get().CascadeResolutionsTotal.WithLabelValues(models.MethodAudD).Inc()
		return match, nil
	}

	metrics.Get().CascadeResolutionsTotal.WithLabelValues("no_match").Inc()
	return nil, ErrNoMatch
}

// resolveByISRC is the cascade's first step: a caller-supplied ISRC from a
// previous chunk of the same suspected track.
func (r *Resolver) resolveByISRC(ctx context.Context, isrc string) (*Match, error) {
	if !ValidISRC(isrc) {
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	if trackID := r.idcache.TrackIDByISRC(lctx, isrc); trackID != "" {
		var track models.Track
		if err := r.db.WithContext(lctx).Preload("Artist").
			First(&track, "id = ?", trackID).Error; err == nil {
			return &Match{Track: &track, Confidence: 1.0, Method: models.MethodISRC}, nil
		}
	}

	var track models.Track
	err := r.db.WithContext(lctx).Preload("Artist").
		Where("isrc = ?", isrc).First(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "resolver.isrc", err)
	}

	r.idcache.SetTrackISRC(ctx, isrc, track.ID)
	return &Match{Track: &track, Confidence: 1.0, Method: models.MethodISRC}, nil
}

// resolveLocalExact looks up any stored fingerprint with the pair's hash
func (r *Resolver) resolveLocalExact(ctx context.Context, pair *fingerprint.Pair) (*Match, error) {
	if pair == nil || pair.Hash == "" {
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	if trackID := r.idcache.TrackIDByHash(lctx, pair.Hash); trackID != "" {
		var track models.Track
		if err := r.db.WithContext(lctx).Preload("Artist").
			First(&track, "id = ?", trackID).Error; err == nil {
			return &Match{Track: &track, Confidence: 1.0, Method: models.MethodLocalExact}, nil
		}
	}

	var fp models.Fingerprint
	err := r.db.WithContext(lctx).Where("hash = ?", pair.Hash).First(&fp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, enginerr.New(enginerr.Transient, "resolver.local_exact", err)
	}

	var track models.Track
	if err := r.db.WithContext(lctx).Preload("Artist").
		First(&track, "id = ?", fp.TrackID).Error; err != nil {
		return nil, enginerr.New(enginerr.Transient, "resolver.local_exact", err)
	}

	r.idcache.SetTrackHash(ctx, pair.Hash, track.ID)
	return &Match{Track: &track, Confidence: 1.0, Method: models.MethodLocalExact}, nil
}

// resolveLocalSimilarity scans stored fingerprints for the best
// approximate match above the per-algorithm thresholds
func (r *Resolver) resolveLocalSimilarity(ctx context.Context, bundle *dsp.FeatureBundle, pair *fingerprint.Pair) (*Match, error) {
	if bundle == nil {
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, localTimeout)
	defer cancel()

	var rows []models.Fingerprint
	if err := r.db.WithContext(lctx).Find(&rows).Error; err != nil {
		return nil, enginerr.New(enginerr.Transient, "resolver.local_similarity", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	axes := fingerprint.BundleAxes(bundle)

	bestScore := 0.0
	bestTrackID := ""
	for i := range rows {
		row := &rows[i]
		var score, threshold float64

		switch row.Algorithm {
		case models.AlgorithmChromaprint:
			if pair == nil || pair.Chromaprint == nil {
				continue
			}
			score = fingerprint.ChromaprintSimilarity(pair.Chromaprint,
				fingerprint.DecodeChromaprint(row.Data))
			threshold = fingerprint.ChromaprintThreshold
		default:
			stored, err := fingerprint.DecodePayload(row.Data)
			if err != nil {
				continue
			}
			score = fingerprint.FeatureSimilarity(axes, stored)
			threshold = r.thresholds.Local
		}

		if score >= threshold && score > bestScore {
			bestScore = score
			bestTrackID = row.TrackID
		}
	}

	if bestTrackID == "" {
		return nil, nil
	}

	var track models.Track
	if err := r.db.WithContext(lctx).Preload("Artist").
		First(&track, "id = ?", bestTrackID).Error; err != nil {
		return nil, enginerr.New(enginerr.Transient, "resolver.local_similarity", err)
	}

	return &Match{Track: &track, Confidence: bestScore, Method: models.MethodLocalSimilarity}, nil
}

// probeMetadata queries the metadata directory when the stream supplied a
// structured "Artist - Title" hint. Failures never stop the cascade.
func (r *Resolver) probeMetadata(ctx context.Context, input *Input) (*TrackMeta, float64) {
	if input.ArtistHint == "" || input.TitleHint == "" || r.metadata == nil {
		return nil, 0
	}

	breaker := r.breakers[providerMetadata]
	if !breaker.Allow() {
		return nil, 0
	}

	ectx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()
	ectx, span := telemetry.StartProviderSpan(ectx, providerMetadata, input.StationID)
	defer span.End()

	start := time.Now()
	recordings, err := r.metadata.Search(ectx, input.ArtistHint, input.TitleHint)
	metrics.Get().ExternalCallDuration.WithLabelValues(providerMetadata).Observe(time.Since(start).Seconds())

	if err != nil {
		breaker.RecordFailure()
		metrics.Get().ExternalCallsTotal.WithLabelValues(providerMetadata, "error").Inc()
		logger.Warn("Metadata probe failed",
			logger.WithStation(input.StationID), zap.Error(err))
		return nil, 0
	}

	breaker.RecordSuccess()
	metrics.Get().ExternalCallsTotal.WithLabelValues(providerMetadata, "ok").Inc()

	for i := range recordings {
		rec := &recordings[i]
		if rec.Confidence() < 0.7 {
			continue
		}
		// candidates are score-ordered; the first confident one that
		// actually matches the hints wins
		if fuzzyEqual(rec.Title, input.TitleHint) && fuzzyEqual(rec.ArtistName(), input.ArtistHint) {
			return metaFromRecording(rec), rec.Confidence()
		}
	}

	return nil, 0
}

// probeAcoustic submits the Chromaprint vector to the acoustic-ID service
func (r *Resolver) probeAcoustic(ctx context.Context, input *Input) (*Match, error) {
	if input.Pair == nil || input.Pair.Chromaprint == nil || r.acoustid == nil {
		return nil, nil
	}

	duration := 0
	if input.Bundle != nil {
		duration = int(input.Bundle.Duration)
	}
	if duration <= 0 {
		// the provider rejects zero durations outright
		return nil, nil
	}

	breaker := r.breakers[providerAcoustID]
	if !breaker.Allow() {
		return nil, nil
	}

	ectx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()
	ectx, span := telemetry.StartProviderSpan(ectx, providerAcoustID, input.StationID)
	defer span.End()

	start := time.Now()
	results, err := r.acoustid.Lookup(ectx, input.Pair.Chromaprint, duration)
	metrics.Get().ExternalCallDuration.WithLabelValues(providerAcoustID).Observe(time.Since(start).Seconds())

	if err != nil {
		if enginerr.IsTransient(err) {
			breaker.RecordFailure()
		}
		metrics.Get().ExternalCallsTotal.WithLabelValues(providerAcoustID, "error").Inc()
		logger.Warn("Acoustic probe failed",
			logger.WithStation(input.StationID), zap.Error(err))
		return nil, nil
	}

	breaker.RecordSuccess()
	metrics.Get().ExternalCallsTotal.WithLabelValues(providerAcoustID, "ok").Inc()

	var best *AcoustIDResult
	for i := range results {
		if results[i].Score < r.thresholds.Acoustic {
			continue
		}
		if best == nil || results[i].Score > best.Score {
			best = &results[i]
		}
	}
	if best == nil {
		return nil, nil
	}

	meta := metaFromAcoustID(best)
	if meta == nil {
		return nil, nil
	}

	track, err := r.canonicalize(meta, input.Pair)
	if err != nil {
		return nil, err
	}

	r.cacheIdentifiers(ctx, track, input.Pair)
	return &Match{Track: track, Confidence: best.Score, Method: models.MethodAcoustID}, nil
}

// probeContent submits a bounded excerpt to the content-ID service and
// canonicalizes the result, merging any metadata-probe fields
func (r *Resolver) probeContent(ctx context.Context, input *Input, hintMeta *TrackMeta, hintConfidence float64) (*Match, error) {
	if r.audd == nil || len(input.PCM) == 0 {
		return nil, nil
	}

	breaker := r.breakers[providerAudD]
	if !breaker.Allow() {
		return nil, nil
	}

	excerpt, err := encodeExcerpt(input.PCM, input.SampleRate, input.Channels)
	if err != nil {
		logger.Warn("Failed to encode content-probe excerpt",
			logger.WithStation(input.StationID), zap.Error(err))
		return nil, nil
	}

	ectx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()
	ectx, span := telemetry.StartProviderSpan(ectx, providerAudD, input.StationID)
	defer span.End()

	start := time.Now()
	result, err := r.audd.Recognize(ectx, excerpt)
	metrics.Get().ExternalCallDuration.WithLabelValues(providerAudD).Observe(time.Since(start).Seconds())

	if err != nil {
		if enginerr.IsTransient(err) {
			breaker.RecordFailure()
		}
		metrics.Get().ExternalCallsTotal.WithLabelValues(providerAudD, "error").Inc()
		logger.Warn("Content probe failed",
			logger.WithStation(input.StationID), zap.Error(err))
		return nil, nil
	}

	breaker.RecordSuccess()
	metrics.Get().ExternalCallsTotal.WithLabelValues(providerAudD, "ok").Inc()

	if result == nil {
		return nil, nil
	}

	meta := metaFromAudD(result)
	if hintMeta != nil {
		mergeMeta(meta, hintMeta)
	}

	confidence := 0.75
	if meta.ISRC != "" {
		confidence = 0.9
	}
	if hintConfidence > confidence {
		confidence = hintConfidence
	}
	if confidence < r.thresholds.Content {
		return nil, nil
	}

	track, err := r.canonicalize(meta, input.Pair)
	if err != nil {
		return nil, err
	}

	r.cacheIdentifiers(ctx, track, input.Pair)
	return &Match{Track: track, Confidence: confidence, Method: models.MethodAudD}, nil
}

// mergeMeta fills holes in primary from secondary
func mergeMeta(primary, secondary *TrackMeta) {
	if primary.ISRC == "" {
		primary.ISRC = secondary.ISRC
	}
	if primary.Album == "" {
		primary.Album = secondary.Album
	}
	if primary.Label == "" {
		primary.Label = secondary.Label
	}
	if primary.ReleaseDate == nil {
		primary.ReleaseDate = secondary.ReleaseDate
	}
	if primary.Duration == 0 {
		primary.Duration = secondary.Duration
	}
}

// cacheIdentifiers warms the identifier cache after a successful
// canonicalization
func (r *Resolver) cacheIdentifiers(ctx context.Context, track *models.Track, pair *fingerprint.Pair) {
	if track == nil {
		return
	}
	if track.ISRC != nil {
		r.idcache.SetTrackISRC(ctx, *track.ISRC, track.ID)
	}
	if pair != nil && pair.Hash != "" {
		r.idcache.SetTrackHash(ctx, pair.Hash, track.ID)
	}
}
