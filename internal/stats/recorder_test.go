package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sodav/monitor/internal/events"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	logger.Initialize("error", filepath.Join(os.TempDir(), "monitor_stats_test.log"))
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Station{},
		&models.Artist{},
		&models.Track{},
		&models.Fingerprint{},
		&models.Detection{},
		&models.StationTrackStats{},
		&models.TrackStats{},
		&models.ArtistStats{},
	))

	return db
}

func seedStationAndTrack(t *testing.T, db *gorm.DB) (models.Station, models.Track) {
	station := models.Station{Name: "Radio Test", StreamURL: "http://example.com/stream", Status: models.StationActive}
	require.NoError(t, db.Create(&station).Error)

	artist := models.Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)

	track := models.Track{Title: "Bamba", ArtistID: artist.ID}
	require.NoError(t, db.Create(&track).Error)

	return station, track
}

func TestStartCreatesInProgressDetection(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	detection, err := r.Start(station.ID, track.ID, models.MethodAcoustID, 0.9, time.Now())
	require.NoError(t, err)

	assert.True(t, detection.InProgress)
	assert.Zero(t, detection.PlayDuration)

	// no aggregates yet: stats only move at finalization
	var statsCount int64
	db.Model(&models.StationTrackStats{}).Count(&statsCount)
	assert.Zero(t, statsCount)
}

func TestFinalizeUpdatesAllAggregates(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	detection, err := r.Start(station.ID, track.ID, models.MethodAcoustID, 0.9, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Finalize(detection.ID, 120.5, 0.9))

	var final models.Detection
	require.NoError(t, db.First(&final, "id = ?", detection.ID).Error)
	assert.False(t, final.InProgress)
	assert.InDelta(t, 120.5, final.PlayDuration, 1e-9)

	var sts models.StationTrackStats
	require.NoError(t, db.Where("station_id = ? AND track_id = ?", station.ID, track.ID).First(&sts).Error)
	assert.EqualValues(t, 1, sts.PlayCount)
	assert.InDelta(t, 120.5, sts.TotalPlayTime, 1e-9)
	assert.InDelta(t, 0.9, sts.AvgConfidence, 1e-9)

	var ts models.TrackStats
	require.NoError(t, db.Where("track_id = ?", track.ID).First(&ts).Error)
	assert.EqualValues(t, 1, ts.PlayCount)

	var as models.ArtistStats
	require.NoError(t, db.Where("artist_id = ?", track.ArtistID).First(&as).Error)
	assert.EqualValues(t, 1, as.PlayCount)
	assert.InDelta(t, 120.5, as.TotalPlayTime, 1e-9)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	detection, err := r.Start(station.ID, track.ID, models.MethodLocalExact, 1.0, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Finalize(detection.ID, 60, 1.0))

	var before models.StationTrackStats
	require.NoError(t, db.Where("station_id = ?", station.ID).First(&before).Error)

	// replaying the same finalization must change nothing
	require.NoError(t, r.Finalize(detection.ID, 60, 1.0))

	var after models.StationTrackStats
	require.NoError(t, db.Where("station_id = ?", station.ID).First(&after).Error)

	assert.Equal(t, before.PlayCount, after.PlayCount)
	assert.InDelta(t, before.TotalPlayTime, after.TotalPlayTime, 1e-9)
	assert.InDelta(t, before.AvgConfidence, after.AvgConfidence, 1e-9)
}

func TestFinalizeIncrementsExactlyOnce(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	first, err := r.Start(station.ID, track.ID, models.MethodAcoustID, 0.8, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(first.ID, 100, 0.8))

	var snapshot models.StationTrackStats
	require.NoError(t, db.Where("station_id = ?", station.ID).First(&snapshot).Error)

	second, err := r.Start(station.ID, track.ID, models.MethodLocalExact, 1.0, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(second.ID, 50, 1.0))

	var updated models.StationTrackStats
	require.NoError(t, db.Where("station_id = ?", station.ID).First(&updated).Error)

	assert.Equal(t, snapshot.PlayCount+1, updated.PlayCount)
	assert.InDelta(t, snapshot.TotalPlayTime+50, updated.TotalPlayTime, 1e-9)
	// rolling average: (0.8*1 + 1.0)/2
	assert.InDelta(t, 0.9, updated.AvgConfidence, 1e-9)
}

func TestFinalizeMissingDetectionIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(db, nil)

	assert.NoError(t, r.Finalize("no-such-id", 10, 0.5))
}

func TestFinalizeClampsNegativeDuration(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	detection, err := r.Start(station.ID, track.ID, models.MethodAudD, 0.7, time.Now())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(detection.ID, -5, 0.7))

	var final models.Detection
	require.NoError(t, db.First(&final, "id = ?", detection.ID).Error)
	assert.Zero(t, final.PlayDuration)
}

func TestFinalizeEmitsEvent(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	r := NewRecorder(db, bus)

	detection, err := r.Start(station.ID, track.ID, models.MethodAcoustID, 0.9, time.Now())
	require.NoError(t, err)

	started := <-ch
	assert.Equal(t, events.TypeDetectionStarted, started.Type)
	assert.Equal(t, station.ID, started.StationID)

	require.NoError(t, r.Finalize(detection.ID, 90, 0.9))

	finalized := <-ch
	assert.Equal(t, events.TypeDetectionFinalized, finalized.Type)
	assert.Equal(t, detection.ID, finalized.DetectionID)
	assert.InDelta(t, 90, finalized.Duration, 1e-9)
	assert.Equal(t, models.MethodAcoustID, finalized.Method)
}

func TestFinalizeStale(t *testing.T) {
	db := setupTestDB(t)
	station, track := seedStationAndTrack(t, db)
	r := NewRecorder(db, nil)

	detection, err := r.Start(station.ID, track.ID, models.MethodAcoustID, 0.9,
		time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	// age the row past the grace period
	require.NoError(t, db.Model(&models.Detection{}).
		Where("id = ?", detection.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-5*time.Minute)).Error)

	n, err := r.FinalizeStale(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var final models.Detection
	require.NoError(t, db.First(&final, "id = ?", detection.ID).Error)
	assert.False(t, final.InProgress)
	// duration derived from last activity, not from clock-now
	assert.InDelta(t, 300, final.PlayDuration, 2)
}
