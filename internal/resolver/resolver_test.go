package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sodav/monitor/internal/dsp"
	"github.com/sodav/monitor/internal/fingerprint"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	logger.Initialize("error", filepath.Join(os.TempDir(), "monitor_resolver_test.log"))
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.Station{},
		&models.Artist{},
		&models.Track{},
		&models.Fingerprint{},
		&models.Detection{},
		&models.StationTrackStats{},
		&models.TrackStats{},
		&models.ArtistStats{},
	)
	require.NoError(t, err)

	// ISRC uniqueness, matching the production migration
	require.NoError(t, db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_isrc_unique ON tracks (isrc) WHERE isrc IS NOT NULL",
	).Error)

	return db
}

// testProviders spins up fake external services and counts their traffic
type testProviders struct {
	metadata *httptest.Server
	acoustid *httptest.Server
	audd     *httptest.Server

	metadataCalls atomic.Int64
	acoustidCalls atomic.Int64
	auddCalls     atomic.Int64
}

func newTestProviders(t *testing.T, metadataBody, acoustidBody, auddBody interface{},
	acoustidStatus, auddStatus int) *testProviders {
	p := &testProviders{}

	p.metadata = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.metadataCalls.Add(1)
		if metadataBody == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(metadataBody)
	}))

	p.acoustid = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.acoustidCalls.Add(1)
		if acoustidStatus != http.StatusOK {
			w.WriteHeader(acoustidStatus)
			return
		}
		json.NewEncoder(w).Encode(acoustidBody)
	}))

	p.audd = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.auddCalls.Add(1)
		if auddStatus != http.StatusOK {
			w.WriteHeader(auddStatus)
			return
		}
		json.NewEncoder(w).Encode(auddBody)
	}))

	t.Cleanup(func() {
		p.metadata.Close()
		p.acoustid.Close()
		p.audd.Close()
	})

	return p
}

func newTestResolver(db *gorm.DB, p *testProviders) *Resolver {
	return New(db, nil,
		NewMetadataClient(p.metadata.URL),
		NewAcoustIDClient(p.acoustid.URL, "test-key"),
		NewAudDClient(p.audd.URL, "test-token"),
		DefaultThresholds(),
	)
}

func musicInput(t *testing.T) *Input {
	bundle := &dsp.FeatureBundle{
		MFCCMeans:        []float64{1.5, -2.3, 0.7, 4.1, -0.2, 1.1, 0.4, -1.9, 2.2, 0.9, -0.5, 1.3, 0.1},
		ChromaMeans:      []float64{0.9, 0.1, 0.2, 0.8, 0.1, 0.1, 0.7, 0.1, 0.2, 0.1, 0.6, 0.1},
		SpectralCentroid: 1850.4,
		RhythmStrength:   0.72,
		RMS:              0.4,
		Duration:         10,
		SampleRate:       44100,
	}

	pair, err := fingerprint.NewCodec(nil).Encode(bundle, nil, 44100, 2)
	require.NoError(t, err)
	pair.Chromaprint = []int32{0x1a2b3c4d, 0x11223344, -0x5f5f5f5f, 0x0f0e0d0c}

	return &Input{
		StationID:  "station-1",
		Bundle:     bundle,
		Pair:       pair,
		PCM:        make([]int16, 44100),
		SampleRate: 44100,
		Channels:   1,
	}
}

// acoustidHit is the fixture for the fresh-identification scenario
func acoustidHit() interface{} {
	return map[string]interface{}{
		"status": "ok",
		"results": []map[string]interface{}{{
			"id":    "acoustid-result-1",
			"score": 0.92,
			"recordings": []map[string]interface{}{{
				"id":       "recording-1",
				"title":    "Bamba",
				"duration": 212.0,
				"isrcs":    []string{"FRZ031400123"},
				"artists":  []map[string]interface{}{{"id": "artist-1", "name": "Ali Farka"}},
				"releases": []map[string]interface{}{{
					"id":    "release-1",
					"title": "Radio Mali",
					"date":  map[string]int{"year": 1999, "month": 1, "day": 1},
				}},
			}},
		}},
	}
}

func TestResolveFreshIdentificationViaAcoustID(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, acoustidHit(), nil, http.StatusOK, http.StatusNotFound)
	r := newTestResolver(db, p)

	match, err := r.Resolve(context.Background(), musicInput(t))
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, models.MethodAcoustID, match.Method)
	assert.GreaterOrEqual(t, match.Confidence, 0.8)
	require.NotNil(t, match.Track.ISRC)
	assert.Equal(t, "FRZ031400123", *match.Track.ISRC)
	assert.Equal(t, "Bamba", match.Track.Title)

	var artistCount, trackCount, mdFPCount int64
	db.Model(&models.Artist{}).Count(&artistCount)
	db.Model(&models.Track{}).Count(&trackCount)
	db.Model(&models.Fingerprint{}).Where("algorithm = ?", models.AlgorithmMD5).Count(&mdFPCount)

	assert.EqualValues(t, 1, artistCount)
	assert.EqualValues(t, 1, trackCount)
	assert.EqualValues(t, 1, mdFPCount)

	var artist models.Artist
	require.NoError(t, db.First(&artist).Error)
	assert.Equal(t, "Ali Farka", artist.Name)
}

func TestResolveSecondRunHitsLocalExact(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, acoustidHit(), nil, http.StatusOK, http.StatusNotFound)
	r := newTestResolver(db, p)

	first, err := r.Resolve(context.Background(), musicInput(t))
	require.NoError(t, err)
	callsAfterFirst := p.acoustidCalls.Load()

	second, err := r.Resolve(context.Background(), musicInput(t))
	require.NoError(t, err)

	// same clip again: no second track row, local fingerprint reused
	assert.Equal(t, models.MethodLocalExact, second.Method)
	assert.InDelta(t, 1.0, second.Confidence, 1e-9)
	assert.Equal(t, first.Track.ID, second.Track.ID)
	assert.Equal(t, callsAfterFirst, p.acoustidCalls.Load())

	var trackCount int64
	db.Model(&models.Track{}).Count(&trackCount)
	assert.EqualValues(t, 1, trackCount)
}

func TestResolveISRCDedupViaAudDAppleMusic(t *testing.T) {
	db := setupTestDB(t)

	// the track already exists from a detection on another station
	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	isrc := "FRZ031400123"
	existing := models.Track{Title: "Bamba", ArtistID: artist.ID, ISRC: &isrc}
	require.NoError(t, db.Create(&existing).Error)

	auddBody := map[string]interface{}{
		"status": "success",
		"result": map[string]interface{}{
			"title":  "Bamba",
			"artist": "Ali Farka",
			"apple_music": map[string]interface{}{
				"isrc": "FRZ031400123",
			},
		},
	}
	p := newTestProviders(t, nil, nil, auddBody, http.StatusNotFound, http.StatusOK)
	r := newTestResolver(db, p)

	input := musicInput(t)
	input.Pair.Chromaprint = nil // force the cascade past the acoustic probe

	match, err := r.Resolve(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, models.MethodAudD, match.Method)
	assert.Equal(t, existing.ID, match.Track.ID)

	var trackCount int64
	db.Model(&models.Track{}).Count(&trackCount)
	assert.EqualValues(t, 1, trackCount, "ISRC dedup must not create a second track")
}

func TestResolveAcoustIDOutageFallsBackToLocal(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusServiceUnavailable, http.StatusInternalServerError)
	r := newTestResolver(db, p)

	input := musicInput(t)

	// both providers down, nothing local: no match, but the cascade
	// survives and the breaker counted the failures
	_, err := r.Resolve(context.Background(), input)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.EqualValues(t, 1, p.acoustidCalls.Load())

	// the fingerprint arrives locally (e.g. detected on another station)
	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	track := models.Track{Title: "Bamba", ArtistID: artist.ID}
	require.NoError(t, db.Create(&track).Error)
	require.NoError(t, db.Create(&models.Fingerprint{
		TrackID:   track.ID,
		Hash:      input.Pair.Hash,
		Data:      input.Pair.HashPayload,
		Algorithm: models.AlgorithmMD5,
	}).Error)

	callsBefore := p.acoustidCalls.Load()

	match, err := r.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.MethodLocalExact, match.Method)
	assert.InDelta(t, 1.0, match.Confidence, 1e-9)
	assert.Equal(t, track.ID, match.Track.ID)
	// the local hit spent no external calls
	assert.Equal(t, callsBefore, p.acoustidCalls.Load())

	var trackCount int64
	db.Model(&models.Track{}).Count(&trackCount)
	assert.EqualValues(t, 1, trackCount)
}

func TestResolveLocalSimilarity(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusNotFound, http.StatusNotFound)
	r := newTestResolver(db, p)

	base := musicInput(t)

	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	track := models.Track{Title: "Bamba", ArtistID: artist.ID}
	require.NoError(t, db.Create(&track).Error)
	require.NoError(t, db.Create(&models.Fingerprint{
		TrackID:   track.ID,
		Hash:      base.Pair.Hash,
		Data:      base.Pair.HashPayload,
		Algorithm: models.AlgorithmMD5,
	}).Error)

	// same track, slightly different rendition: hash differs, features
	// stay close
	perturbed := musicInput(t)
	perturbed.Bundle.MFCCMeans[0] *= 1.02
	perturbed.Bundle.SpectralCentroid *= 1.01
	pair, err := fingerprint.NewCodec(nil).Encode(perturbed.Bundle, nil, 44100, 2)
	require.NoError(t, err)
	perturbed.Pair = pair
	perturbed.Pair.Chromaprint = nil

	require.NotEqual(t, base.Pair.Hash, perturbed.Pair.Hash)

	match, err := r.Resolve(context.Background(), perturbed)
	require.NoError(t, err)

	assert.Equal(t, models.MethodLocalSimilarity, match.Method)
	assert.GreaterOrEqual(t, match.Confidence, fingerprint.SimilarityThreshold)
	assert.Equal(t, track.ID, match.Track.ID)
}

func TestResolveISRCShortcut(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusNotFound, http.StatusNotFound)
	r := newTestResolver(db, p)

	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	isrc := "FRZ031400123"
	track := models.Track{Title: "Bamba", ArtistID: artist.ID, ISRC: &isrc}
	require.NoError(t, db.Create(&track).Error)

	input := musicInput(t)
	input.ISRCHint = isrc

	match, err := r.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.MethodISRC, match.Method)
	assert.InDelta(t, 1.0, match.Confidence, 1e-9)
	assert.Equal(t, track.ID, match.Track.ID)
	// the shortcut never leaves the process
	assert.Zero(t, p.acoustidCalls.Load())
	assert.Zero(t, p.auddCalls.Load())
	assert.Zero(t, p.metadataCalls.Load())
}

func TestResolveMetadataHintSkipsAcousticProbe(t *testing.T) {
	db := setupTestDB(t)

	metadataBody := map[string]interface{}{
		"recordings": []map[string]interface{}{{
			"id":    "mb-1",
			"score": 95,
			"title": "Bamba",
			"isrcs": []string{"FRZ031400123"},
			"artist-credit": []map[string]interface{}{
				{"name": "Ali Farka"},
			},
		}},
	}
	auddBody := map[string]interface{}{
		"status": "success",
		"result": map[string]interface{}{
			"title":  "Bamba",
			"artist": "Ali Farka",
		},
	}
	p := newTestProviders(t, metadataBody, acoustidHit(), auddBody, http.StatusOK, http.StatusOK)
	r := newTestResolver(db, p)

	input := musicInput(t)
	input.ArtistHint = "Ali Farka"
	input.TitleHint = "Bamba"

	match, err := r.Resolve(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, models.MethodAudD, match.Method)
	// the directory hit steered the cascade past the acoustic probe
	assert.Zero(t, p.acoustidCalls.Load())
	assert.EqualValues(t, 1, p.auddCalls.Load())

	// the directory's ISRC filled the content result's gap
	require.NotNil(t, match.Track.ISRC)
	assert.Equal(t, "FRZ031400123", *match.Track.ISRC)
}

func TestResolveNoMatch(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusNotFound, http.StatusNotFound)
	r := newTestResolver(db, p)

	_, err := r.Resolve(context.Background(), musicInput(t))
	assert.ErrorIs(t, err, ErrNoMatch)

	var trackCount int64
	db.Model(&models.Track{}).Count(&trackCount)
	assert.Zero(t, trackCount)
}

func TestCanonicalizeFuzzyDedup(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusNotFound, http.StatusNotFound)
	r := newTestResolver(db, p)

	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	track := models.Track{Title: "Bamba", ArtistID: artist.ID}
	require.NoError(t, db.Create(&track).Error)

	pair := musicInput(t).Pair
	meta := &TrackMeta{Title: "bamba", Artist: "ALI FARKA"}

	found, err := r.canonicalize(meta, pair)
	require.NoError(t, err)
	assert.Equal(t, track.ID, found.ID)

	var trackCount int64
	db.Model(&models.Track{}).Count(&trackCount)
	assert.EqualValues(t, 1, trackCount)
}

func TestCanonicalizeFillsMissingFields(t *testing.T) {
	db := setupTestDB(t)
	p := newTestProviders(t, nil, nil, nil, http.StatusNotFound, http.StatusNotFound)
	r := newTestResolver(db, p)

	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	isrc := "FRZ031400123"
	track := models.Track{Title: "Bamba", ArtistID: artist.ID, ISRC: &isrc}
	require.NoError(t, db.Create(&track).Error)

	label := "World Circuit"
	meta := &TrackMeta{
		Title:  "Bamba",
		Artist: "Ali Farka",
		ISRC:   isrc,
		Album:  "Radio Mali",
		Label:  label,
	}

	found, err := r.canonicalize(meta, musicInput(t).Pair)
	require.NoError(t, err)
	assert.Equal(t, track.ID, found.ID)
	require.NotNil(t, found.Album)
	assert.Equal(t, "Radio Mali", *found.Album)
	require.NotNil(t, found.Label)
	assert.Equal(t, label, *found.Label)
}
