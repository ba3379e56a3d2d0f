// Package models defines the persisted entities of the detection engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Station status values
const (
	StationActive   = "active"
	StationInactive = "inactive"
	StationDegraded = "degraded"
)

// Detection method values, in cascade order
const (
	MethodISRC            = "isrc"
	MethodLocalExact      = "local_exact"
	MethodLocalSimilarity = "local_similarity"
	MethodAcoustID        = "acoustid"
	MethodAudD            = "audd"
)

// Fingerprint algorithm tags. The algorithm is self-describing, so stored
// fingerprints need no cross-version migration.
const (
	AlgorithmMD5         = "md5"
	AlgorithmChromaprint = "chromaprint"
)

// Station is a monitored Internet radio stream
type Station struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	StreamURL string    `gorm:"not null" json:"stream_url"`
	Status    string    `gorm:"not null;default:active;index" json:"status"`
	LastCheck time.Time `json:"last_check"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artist is created on the first track attributed to it
type Artist struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Name      string    `gorm:"not null;index" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Track is an identified sound recording. ISRC, when set, is unique across
// all tracks; the partial unique index lives in database.Migrate.
type Track struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	Title       string     `gorm:"not null;index" json:"title"`
	ArtistID    string     `gorm:"type:uuid;not null;index" json:"artist_id"`
	Artist      *Artist    `gorm:"foreignKey:ArtistID" json:"artist,omitempty"`
	ISRC        *string    `gorm:"type:varchar(12);index" json:"isrc,omitempty"`
	Label       *string    `json:"label,omitempty"`
	Album       *string    `json:"album,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`

	// Duration of the full recording in seconds, when a provider reports it
	Duration *float64 `json:"duration,omitempty"`

	// Primary hash and Chromaprint vector for fast local matching
	FingerprintHash *string `gorm:"index" json:"fingerprint_hash,omitempty"`
	ChromaprintData []byte  `gorm:"type:bytea" json:"-"`

	Fingerprints []Fingerprint `gorm:"foreignKey:TrackID;constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fingerprint is one stored fingerprint of a track. A track may have many;
// deleting the track cascades here.
type Fingerprint struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	TrackID string `gorm:"type:uuid;not null;index" json:"track_id"`
	Track   *Track `gorm:"foreignKey:TrackID" json:"-"`

	Hash      string  `gorm:"not null;index" json:"hash"`
	Data      []byte  `gorm:"type:bytea" json:"-"`
	Offset    float64 `json:"offset"` // seconds within the track
	Algorithm string  `gorm:"not null;default:md5" json:"algorithm"`

	CreatedAt time.Time `json:"created_at"`
}

// Detection is a single identified play of a track on a station.
// Created in-progress when a track first appears, finalized exactly once.
type Detection struct {
	ID        string   `gorm:"primaryKey;type:uuid" json:"id"`
	StationID string   `gorm:"type:uuid;not null;index" json:"station_id"`
	Station   *Station `gorm:"foreignKey:StationID" json:"-"`
	TrackID   string   `gorm:"type:uuid;not null;index" json:"track_id"`
	Track     *Track   `gorm:"foreignKey:TrackID" json:"-"`

	DetectedAt   time.Time `gorm:"not null;index" json:"detected_at"`
	PlayDuration float64   `json:"play_duration"` // seconds
	Confidence   float64   `json:"confidence"`
	Method       string    `gorm:"not null" json:"method"`

	// InProgress is true from creation until finalization. Finalization is
	// idempotent: stats are only touched while this flips true→false.
	InProgress bool `gorm:"not null;default:true;index" json:"in_progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StationTrackStats aggregates plays per (station, track)
type StationTrackStats struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	StationID string `gorm:"type:uuid;not null;uniqueIndex:idx_station_track,priority:1" json:"station_id"`
	TrackID   string `gorm:"type:uuid;not null;uniqueIndex:idx_station_track,priority:2" json:"track_id"`

	PlayCount     int64     `gorm:"not null;default:0" json:"play_count"`
	TotalPlayTime float64   `gorm:"not null;default:0" json:"total_play_time"` // seconds
	LastPlayedAt  time.Time `json:"last_played_at"`
	AvgConfidence float64   `gorm:"not null;default:0" json:"avg_confidence"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TrackStats aggregates plays per track across all stations
type TrackStats struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	TrackID string `gorm:"type:uuid;not null;uniqueIndex" json:"track_id"`

	PlayCount     int64     `gorm:"not null;default:0" json:"play_count"`
	TotalPlayTime float64   `gorm:"not null;default:0" json:"total_play_time"`
	LastPlayedAt  time.Time `json:"last_played_at"`
	AvgConfidence float64   `gorm:"not null;default:0" json:"avg_confidence"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ArtistStats aggregates plays per artist across all stations
type ArtistStats struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	ArtistID string `gorm:"type:uuid;not null;uniqueIndex" json:"artist_id"`

	PlayCount     int64     `gorm:"not null;default:0" json:"play_count"`
	TotalPlayTime float64   `gorm:"not null;default:0" json:"total_play_time"`
	LastPlayedAt  time.Time `json:"last_played_at"`

	UpdatedAt time.Time `json:"updated_at"`
}

func generateUUID() string {
	return uuid.New().String()
}

// BeforeCreate hooks for GORM

func (s *Station) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = generateUUID()
	}
	return nil
}

func (a *Artist) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = generateUUID()
	}
	return nil
}

func (t *Track) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = generateUUID()
	}
	return nil
}

func (f *Fingerprint) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = generateUUID()
	}
	return nil
}

func (d *Detection) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = generateUUID()
	}
	return nil
}

func (s *StationTrackStats) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = generateUUID()
	}
	return nil
}

func (s *TrackStats) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = generateUUID()
	}
	return nil
}

func (s *ArtistStats) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = generateUUID()
	}
	return nil
}

// TableName overrides keep the stats tables singular-free
func (StationTrackStats) TableName() string { return "station_track_stats" }
func (TrackStats) TableName() string        { return "track_stats" }
func (ArtistStats) TableName() string       { return "artist_stats" }
