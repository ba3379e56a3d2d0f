package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&Station{}, &Artist{}, &Track{}, &Fingerprint{},
		&Detection{}, &StationTrackStats{}, &TrackStats{}, &ArtistStats{},
	))
	require.NoError(t, db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_isrc_unique ON tracks (isrc) WHERE isrc IS NOT NULL",
	).Error)

	return db
}

func TestBeforeCreateAssignsIDs(t *testing.T) {
	db := setupTestDB(t)

	station := Station{Name: "Radio Test", StreamURL: "http://example.com"}
	require.NoError(t, db.Create(&station).Error)
	assert.NotEmpty(t, station.ID)

	artist := Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	assert.NotEmpty(t, artist.ID)

	track := Track{Title: "Bamba", ArtistID: artist.ID}
	require.NoError(t, db.Create(&track).Error)
	assert.NotEmpty(t, track.ID)
}

func TestExplicitIDIsKept(t *testing.T) {
	db := setupTestDB(t)

	artist := Artist{ID: "fixed-id", Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)
	assert.Equal(t, "fixed-id", artist.ID)
}

func TestISRCUniqueness(t *testing.T) {
	db := setupTestDB(t)

	artist := Artist{Name: "Ali Farka"}
	require.NoError(t, db.Create(&artist).Error)

	isrc := "FRZ031400123"
	first := Track{Title: "Bamba", ArtistID: artist.ID, ISRC: &isrc}
	require.NoError(t, db.Create(&first).Error)

	// a second row with the same ISRC violates the partial unique index
	dup := Track{Title: "Bamba (reissue)", ArtistID: artist.ID, ISRC: &isrc}
	assert.Error(t, db.Create(&dup).Error)

	// but any number of rows may have no ISRC at all
	a := Track{Title: "Untitled A", ArtistID: artist.ID}
	b := Track{Title: "Untitled B", ArtistID: artist.ID}
	assert.NoError(t, db.Create(&a).Error)
	assert.NoError(t, db.Create(&b).Error)
}

func TestStatsTableNames(t *testing.T) {
	assert.Equal(t, "station_track_stats", StationTrackStats{}.TableName())
	assert.Equal(t, "track_stats", TrackStats{}.TableName())
	assert.Equal(t, "artist_stats", ArtistStats{}.TableName())
}
