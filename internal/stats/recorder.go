// Package stats owns the write path for detections and the derived
// aggregate tables. Finalization is transactional and idempotent: the
// in-progress flag on the detection row is the guard, so replaying a
// finalization leaves every aggregate untouched.
package stats

import (
	"errors"
	"fmt"
	"time"

	"github.com/sodav/monitor/internal/database"
	"github.com/sodav/monitor/internal/events"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"github.com/sodav/monitor/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recorder persists detections and aggregates
type Recorder struct {
	db  *gorm.DB
	bus *events.Bus
}

// NewRecorder creates a recorder. bus may be nil when no consumer is
// wired.
func NewRecorder(db *gorm.DB, bus *events.Bus) *Recorder {
	return &Recorder{db: db, bus: bus}
}

// Start creates an in-progress detection for a track appearing on a
// station and announces it
func (r *Recorder) Start(stationID, trackID, method string, confidence float64, at time.Time) (*models.Detection, error) {
	detection := &models.Detection{
		StationID:  stationID,
		TrackID:    trackID,
		DetectedAt: at,
		Confidence: confidence,
		Method:     method,
		InProgress: true,
	}

	if err := r.db.Create(detection).Error; err != nil {
		return nil, fmt.Errorf("failed to create detection: %w", err)
	}

	metrics.Get().DetectionsStartedTotal.WithLabelValues(method).Inc()
	if r.bus != nil {
		r.bus.DetectionStarted(stationID, trackID, at)
	}

	logger.Log.Info("Detection started",
		logger.WithStation(stationID),
		logger.WithTrack(trackID),
		zap.String("method", method),
		zap.Float64("confidence", confidence),
	)

	return detection, nil
}

// Touch refreshes a detection's updated_at so the stale sweep can tell
// live sessions from abandoned ones
func (r *Recorder) Touch(detectionID string) error {
	return r.db.Model(&models.Detection{}).
		Where("id = ? AND in_progress = ?", detectionID, true).
		Update("updated_at", time.Now().UTC()).Error
}

// Finalize writes the final duration and updates all three aggregate
// tables in one transaction. Re-applying the same finalization is a
// no-op: the update only fires while the row is still in progress.
func (r *Recorder) Finalize(detectionID string, duration, confidence float64) error {
	if duration < 0 {
		duration = 0
	}

	var finalized *models.Detection

	err := database.WithRetryOn(r.db, func(tx *gorm.DB) error {
		finalized = nil

		var detection models.Detection
		if err := tx.First(&detection, "id = ?", detectionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // nothing to finalize
			}
			return err
		}

		// idempotence guard: only an in-progress row updates stats
		result := tx.Model(&models.Detection{}).
			Where("id = ? AND in_progress = ?", detectionID, true).
			Updates(map[string]interface{}{
				"in_progress":   false,
				"play_duration": duration,
				"confidence":    confidence,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // already finalized
		}

		if err := upsertStationTrackStats(tx, detection.StationID, detection.TrackID, duration, confidence); err != nil {
			return err
		}
		if err := upsertTrackStats(tx, detection.TrackID, duration, confidence); err != nil {
			return err
		}

		var track models.Track
		if err := tx.First(&track, "id = ?", detection.TrackID).Error; err != nil {
			return err
		}
		if err := upsertArtistStats(tx, track.ArtistID, duration); err != nil {
			return err
		}

		detection.PlayDuration = duration
		detection.Confidence = confidence
		finalized = &detection
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize detection %s: %w", detectionID, err)
	}

	if finalized != nil {
		metrics.Get().DetectionsFinalizedTotal.WithLabelValues(finalized.Method).Inc()
		metrics.Get().PlayDurationSeconds.WithLabelValues(finalized.StationID).Observe(duration)

		if r.bus != nil {
			r.bus.DetectionFinalized(finalized.ID, finalized.StationID, finalized.TrackID,
				duration, confidence, finalized.Method)
		}

		logger.Log.Info("Detection finalized",
			logger.WithDetection(finalized.ID),
			logger.WithStation(finalized.StationID),
			logger.WithTrack(finalized.TrackID),
			zap.Float64("duration", duration),
			zap.String("method", finalized.Method),
		)
	}

	return nil
}

// FinalizeStale finalizes in-progress detections not touched within the
// grace period, using the time they were last seen. Used by the cleanup
// sweep for stations that died mid-track.
func (r *Recorder) FinalizeStale(grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)

	var stale []models.Detection
	if err := r.db.Where("in_progress = ? AND updated_at < ?", true, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	finalized := 0
	for i := range stale {
		d := &stale[i]
		duration := d.UpdatedAt.Sub(d.DetectedAt).Seconds()
		if err := r.Finalize(d.ID, duration, d.Confidence); err != nil {
			logger.ErrorWithFields("Stale detection finalization failed", err)
			continue
		}
		finalized++
	}

	return finalized, nil
}

// upsertStationTrackStats applies one finalized play to the per-station
// aggregate
func upsertStationTrackStats(tx *gorm.DB, stationID, trackID string, duration, confidence float64) error {
	var row models.StationTrackStats
	err := tx.Where("station_id = ? AND track_id = ?", stationID, trackID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.StationTrackStats{
			StationID:     stationID,
			TrackID:       trackID,
			PlayCount:     1,
			TotalPlayTime: duration,
			LastPlayedAt:  time.Now().UTC(),
			AvgConfidence: confidence,
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}

	row.PlayCount++
	row.TotalPlayTime += duration
	row.LastPlayedAt = time.Now().UTC()
	row.AvgConfidence = rollingAverage(row.AvgConfidence, confidence, row.PlayCount)
	return tx.Save(&row).Error
}

func upsertTrackStats(tx *gorm.DB, trackID string, duration, confidence float64) error {
	var row models.TrackStats
	err := tx.Where("track_id = ?", trackID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.TrackStats{
			TrackID:       trackID,
			PlayCount:     1,
			TotalPlayTime: duration,
			LastPlayedAt:  time.Now().UTC(),
			AvgConfidence: confidence,
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}

	row.PlayCount++
	row.TotalPlayTime += duration
	row.LastPlayedAt = time.Now().UTC()
	row.AvgConfidence = rollingAverage(row.AvgConfidence, confidence, row.PlayCount)
	return tx.Save(&row).Error
}

func upsertArtistStats(tx *gorm.DB, artistID string, duration float64) error {
	var row models.ArtistStats
	err := tx.Where("artist_id = ?", artistID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.ArtistStats{
			ArtistID:      artistID,
			PlayCount:     1,
			TotalPlayTime: duration,
			LastPlayedAt:  time.Now().UTC(),
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}

	row.PlayCount++
	row.TotalPlayTime += duration
	row.LastPlayedAt = time.Now().UTC()
	return tx.Save(&row).Error
}

// rollingAverage folds a new sample into a running mean of n samples
func rollingAverage(oldAvg, sample float64, n int64) float64 {
	if n <= 0 {
		return sample
	}
	return (oldAvg*float64(n-1) + sample) / float64(n)
}
