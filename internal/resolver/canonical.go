package resolver

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sodav/monitor/internal/database"
	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/fingerprint"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TrackMeta is the provider-independent canonical form every external
// response is reduced to before persistence. External payloads stay in
// their typed per-provider structs; this is the only shape that reaches
// the store.
type TrackMeta struct {
	Title       string
	Artist      string
	Album       string
	Label       string
	ISRC        string
	ReleaseDate *time.Time
	Duration    float64 // seconds, 0 when unknown
}

var isrcPattern = regexp.MustCompile(`^[A-Za-z0-9]{12}$`)

// ValidISRC reports whether s is a well-formed 12-char alphanumeric ISRC
func ValidISRC(s string) bool {
	return isrcPattern.MatchString(s)
}

// metaFromAcoustID reduces the best-scoring recording to TrackMeta
func metaFromAcoustID(result *AcoustIDResult) *TrackMeta {
	if result == nil || len(result.Recordings) == 0 {
		return nil
	}

	rec := result.Recordings[0]
	meta := &TrackMeta{
		Title:    rec.Title,
		Duration: rec.Duration,
	}
	if len(rec.Artists) > 0 {
		meta.Artist = rec.Artists[0].Name
	}
	for _, isrc := range rec.ISRCs {
		if ValidISRC(isrc) {
			meta.ISRC = strings.ToUpper(isrc)
			break
		}
	}
	if len(rec.Releases) > 0 {
		release := rec.Releases[0]
		meta.Album = release.Title
		if release.Date.Year > 0 {
			month := release.Date.Month
			if month == 0 {
				month = 1
			}
			day := release.Date.Day
			if day == 0 {
				day = 1
			}
			t := time.Date(release.Date.Year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			meta.ReleaseDate = &t
		}
	}
	return meta
}

// metaFromAudD reduces a content-ID result to TrackMeta, checking the
// nested provider blocks for an ISRC in the order AppleMusic, Spotify,
// Deezer
func metaFromAudD(result *AudDResult) *TrackMeta {
	if result == nil {
		return nil
	}

	meta := &TrackMeta{
		Title:    result.Title,
		Artist:   result.Artist,
		Album:    result.Album,
		Label:    result.Label,
		Duration: result.DurationSeconds(),
	}
	if isrc := result.BestISRC(); ValidISRC(isrc) {
		meta.ISRC = strings.ToUpper(isrc)
	}
	if result.ReleaseDate != "" {
		if t, err := time.Parse("2006-01-02", result.ReleaseDate); err == nil {
			meta.ReleaseDate = &t
		}
	}
	return meta
}

// metaFromRecording reduces a metadata-directory candidate to TrackMeta
func metaFromRecording(rec *MetadataRecording) *TrackMeta {
	if rec == nil {
		return nil
	}

	meta := &TrackMeta{
		Title:  rec.Title,
		Artist: rec.ArtistName(),
	}
	if rec.Length > 0 {
		meta.Duration = float64(rec.Length) / 1000
	}
	for _, isrc := range rec.ISRCs {
		if ValidISRC(isrc) {
			meta.ISRC = strings.ToUpper(isrc)
			break
		}
	}
	if len(rec.Releases) > 0 {
		meta.Album = rec.Releases[0].Title
		if t, err := time.Parse("2006-01-02", rec.Releases[0].Date); err == nil {
			meta.ReleaseDate = &t
		}
	}
	return meta
}

// canonicalize finds or creates the track described by meta and attaches
// the fingerprint pair. Dedup order: ISRC first, then fuzzy
// (title, artist). A unique-ISRC race surfaces as DataConflict and is
// resolved by re-reading.
func (r *Resolver) canonicalize(meta *TrackMeta, pair *fingerprint.Pair) (*models.Track, error) {
	if meta == nil || meta.Title == "" || meta.Artist == "" {
		return nil, enginerr.Newf(enginerr.PermanentInput, "resolver.canonicalize",
			"provider response missing title or artist")
	}

	var track *models.Track

	persist := func(tx *gorm.DB) error {
		track = nil

		// ISRC is the strongest identity: an existing row wins and only
		// gains missing fields
		if meta.ISRC != "" {
			var existing models.Track
			err := tx.Where("isrc = ?", meta.ISRC).First(&existing).Error
			if err == nil {
				fillMissing(&existing, meta)
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
				track = &existing
				return r.attachFingerprints(tx, &existing, pair)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		// fuzzy (title, artist) search before creating anything new
		if found, err := r.findFuzzy(tx, meta.Title, meta.Artist); err != nil {
			return err
		} else if found != nil {
			fillMissing(found, meta)
			if err := tx.Save(found).Error; err != nil {
				return err
			}
			track = found
			return r.attachFingerprints(tx, found, pair)
		}

		artist, err := findOrCreateArtist(tx, meta.Artist)
		if err != nil {
			return err
		}

		created := &models.Track{
			Title:    meta.Title,
			ArtistID: artist.ID,
		}
		if meta.ISRC != "" {
			isrc := meta.ISRC
			created.ISRC = &isrc
		}
		if meta.Album != "" {
			created.Album = &meta.Album
		}
		if meta.Label != "" {
			created.Label = &meta.Label
		}
		if meta.ReleaseDate != nil {
			created.ReleaseDate = meta.ReleaseDate
		}
		if meta.Duration > 0 {
			created.Duration = &meta.Duration
		}
		created.FingerprintHash = &pair.Hash
		if pair.Chromaprint != nil {
			created.ChromaprintData = fingerprint.EncodeChromaprint(pair.Chromaprint)
		}

		if err := tx.Create(created).Error; err != nil {
			if isUniqueViolation(err) {
				return enginerr.New(enginerr.DataConflict, "resolver.canonicalize", err)
			}
			return err
		}

		track = created
		return r.attachFingerprints(tx, created, pair)
	}

	err := database.WithRetryOn(r.db, persist)
	if err != nil && enginerr.IsConflict(err) {
		// another worker created the same ISRC between our read and
		// write; re-running resolves to the existing row
		logger.Warn("ISRC create conflict, retrying canonicalize",
			zap.String("isrc", meta.ISRC))
		err = database.WithRetryOn(r.db, persist)
	}
	if err != nil {
		return nil, err
	}

	return track, nil
}

// fillMissing copies meta fields onto a track without overwriting
// anything already set
func fillMissing(track *models.Track, meta *TrackMeta) {
	if track.ISRC == nil && meta.ISRC != "" {
		isrc := meta.ISRC
		track.ISRC = &isrc
	}
	if track.Album == nil && meta.Album != "" {
		track.Album = &meta.Album
	}
	if track.Label == nil && meta.Label != "" {
		track.Label = &meta.Label
	}
	if track.ReleaseDate == nil && meta.ReleaseDate != nil {
		track.ReleaseDate = meta.ReleaseDate
	}
	if track.Duration == nil && meta.Duration > 0 {
		track.Duration = &meta.Duration
	}
}

// findFuzzy scans for a track matching (title, artist) case-insensitively
// with fuzzy tolerance on both
func (r *Resolver) findFuzzy(tx *gorm.DB, title, artist string) (*models.Track, error) {
	// exact case-insensitive match avoids the scan entirely
	var exact models.Track
	err := tx.Joins("JOIN artists ON artists.id = tracks.artist_id").
		Where("LOWER(tracks.title) = ? AND LOWER(artists.name) = ?",
			strings.ToLower(strings.TrimSpace(title)),
			strings.ToLower(strings.TrimSpace(artist))).
		First(&exact).Error
	if err == nil {
		return &exact, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var candidates []models.Track
	if err := tx.Preload("Artist").Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		c := &candidates[i]
		if c.Artist == nil {
			continue
		}
		if fuzzyEqual(c.Title, title) && fuzzyEqual(c.Artist.Name, artist) {
			return c, nil
		}
	}

	return nil, nil
}

func findOrCreateArtist(tx *gorm.DB, name string) (*models.Artist, error) {
	name = strings.TrimSpace(name)

	var artist models.Artist
	err := tx.Where("LOWER(name) = ?", strings.ToLower(name)).First(&artist).Error
	if err == nil {
		return &artist, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	artist = models.Artist{Name: name}
	if err := tx.Create(&artist).Error; err != nil {
		return nil, err
	}
	return &artist, nil
}

// attachFingerprints stores the pair as fingerprint rows for local
// matching on future chunks
func (r *Resolver) attachFingerprints(tx *gorm.DB, track *models.Track, pair *fingerprint.Pair) error {
	if pair == nil {
		return nil
	}

	// skip when this exact hash is already stored for the track
	var count int64
	if err := tx.Model(&models.Fingerprint{}).
		Where("track_id = ? AND hash = ?", track.ID, pair.Hash).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	row := &models.Fingerprint{
		TrackID:   track.ID,
		Hash:      pair.Hash,
		Data:      pair.HashPayload,
		Algorithm: models.AlgorithmMD5,
	}
	if err := tx.Create(row).Error; err != nil {
		return err
	}

	if pair.Chromaprint != nil {
		cpRow := &models.Fingerprint{
			TrackID:   track.ID,
			Hash:      pair.Hash,
			Data:      fingerprint.EncodeChromaprint(pair.Chromaprint),
			Algorithm: models.AlgorithmChromaprint,
		}
		if err := tx.Create(cpRow).Error; err != nil {
			return err
		}
	}

	return nil
}

// isUniqueViolation matches postgres 23505 and sqlite unique errors
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
