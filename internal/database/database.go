// Package database owns the engine's persistence connection.
package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"github.com/sodav/monitor/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB holds the database connection
var DB *gorm.DB

// Initialize creates and configures the database connection
func Initialize(databaseURL string) error {
	gormLogger := gormlogger.Default.LogMode(gormlogger.Warn)

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	DB = db

	registerMetricsHooks(db)

	logger.Log.Info("Database connected")

	return nil
}

// Migrate runs auto-migration for all engine models
func Migrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	err := DB.AutoMigrate(
		&models.Station{},
		&models.Artist{},
		&models.Track{}, // must precede Fingerprint (cascade FK)
		&models.Fingerprint{},
		&models.Detection{},
		&models.StationTrackStats{},
		&models.TrackStats{},
		&models.ArtistStats{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logger.Log.Info("Database migrations completed")
	return nil
}

// createIndexes creates indexes AutoMigrate cannot express
func createIndexes() error {
	// ISRC is unique only when present
	DB.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_isrc_unique ON tracks (isrc) WHERE isrc IS NOT NULL")

	// Fingerprint lookup path of the cascade's local-exact step
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_fingerprints_hash_algorithm ON fingerprints (hash, algorithm)")

	// Case-insensitive title/artist search for canonicalization
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_tracks_title_lower ON tracks (LOWER(title))")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_artists_name_lower ON artists (LOWER(name))")

	// Open detections are swept periodically
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_detections_in_progress ON detections (station_id, in_progress) WHERE in_progress = true")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_detections_station_detected ON detections (station_id, detected_at DESC)")

	return nil
}

// Close closes the database connection
func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Health checks database connectivity
func Health() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// maxTxRetries bounds optimistic-transaction retries on serialization failure
const maxTxRetries = 3

// WithRetry runs fn in a transaction on the global connection, making up
// to three attempts in total on serialization failure.
func WithRetry(fn func(tx *gorm.DB) error) error {
	return WithRetryOn(DB, fn)
}

// WithRetryOn runs fn in a transaction on db, making up to three attempts
// in total while the database reports a serialization failure or
// deadlock. Other errors propagate immediately.
func WithRetryOn(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = db.Transaction(fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxRetries, err)
}

// isSerializationFailure matches postgres serialization (40001) and
// deadlock (40P01) errors by message, which also covers sqlite's busy
// errors in tests.
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40p01") ||
		strings.Contains(msg, "serialization") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked")
}

// markStart stamps the query start time on the statement
func markStart(db *gorm.DB) {
	db.InstanceSet("metrics:start_time", time.Now())
}

// observe records duration and status for one operation kind
func observe(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		start, ok := db.InstanceGet("metrics:start_time")
		if !ok {
			return
		}
		duration := time.Since(start.(time.Time)).Seconds()
		metrics.Get().DatabaseQueryDuration.WithLabelValues(op).Observe(duration)
		status := "success"
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			status = "error"
		}
		metrics.Get().DatabaseQueriesTotal.WithLabelValues(op, status).Inc()
	}
}

// registerMetricsHooks registers GORM callbacks to record query metrics
func registerMetricsHooks(db *gorm.DB) {
	db.Callback().Create().Before("gorm:before_create").Register("metrics:before_create", markStart)
	db.Callback().Create().After("gorm:after_create").Register("metrics:after_create", observe("create"))

	db.Callback().Query().Before("gorm:query").Register("metrics:before_query", markStart)
	db.Callback().Query().After("gorm:after_query").Register("metrics:after_query", observe("query"))

	db.Callback().Update().Before("gorm:before_update").Register("metrics:before_update", markStart)
	db.Callback().Update().After("gorm:after_update").Register("metrics:after_update", observe("update"))

	db.Callback().Delete().Before("gorm:before_delete").Register("metrics:before_delete", markStart)
	db.Callback().Delete().After("gorm:after_delete").Register("metrics:after_delete", observe("delete"))
}
