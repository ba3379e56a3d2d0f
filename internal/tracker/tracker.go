// Package tracker implements the per-station play-duration state machine.
// State lives in the owning worker's memory; persistence happens only
// through the stats recorder: at detection start, on each later sighting
// (Touch), and at finalization. Duration
// is always derived from observed chunk times, never from the wall clock
// at finalization, so a stalled station cannot inflate playtime.
package tracker

import (
	"time"

	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/models"
	"github.com/sodav/monitor/internal/stats"
	"go.uber.org/zap"
)

// State of the tracker
type State int

const (
	Idle State = iota
	Playing
	Interrupted
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Interrupted:
		return "interrupted"
	default:
		return "idle"
	}
}

// Defaults for the session rules
const (
	DefaultMergeWindow = 15 * time.Second
	DefaultMaxPlay     = 180 * time.Second
)

// Match is the resolver outcome the tracker consumes
type Match struct {
	Track      *models.Track
	Confidence float64
	Method     string
}

// Tracker is one station's play-duration state machine
type Tracker struct {
	stationID   string
	mergeWindow time.Duration
	maxPlay     time.Duration
	recorder    *stats.Recorder

	state State

	// Playing / Interrupted context
	track        *models.Track
	detectionID  string
	confidence   float64
	sessionStart time.Time
	lastSeen     time.Time

	// Interrupted context
	accum        time.Duration
	silenceStart time.Time

	// re-verification bookkeeping for the max-play cap
	lastVerified time.Time
}

// New creates a tracker for a station
func New(stationID string, recorder *stats.Recorder, mergeWindow time.Duration) *Tracker {
	if mergeWindow <= 0 {
		mergeWindow = DefaultMergeWindow
	}
	return &Tracker{
		stationID:   stationID,
		mergeWindow: mergeWindow,
		maxPlay:     DefaultMaxPlay,
		recorder:    recorder,
		state:       Idle,
	}
}

// State returns the current state
func (t *Tracker) State() State {
	return t.state
}

// CurrentTrack returns the active track, nil when idle
func (t *Tracker) CurrentTrack() *models.Track {
	if t.state == Idle {
		return nil
	}
	return t.track
}

// CurrentISRC returns the active track's ISRC as a resolver hint, "" when
// none
func (t *Tracker) CurrentISRC() string {
	if t.state == Idle || t.track == nil || t.track.ISRC == nil {
		return ""
	}
	return *t.track.ISRC
}

// OnMatch advances the machine with an identified track. Persistence
// errors leave the state untouched so the cycle can be retried.
func (t *Tracker) OnMatch(m Match, now time.Time) error {
	switch t.state {
	case Idle:
		return t.startSession(m, now)

	case Playing:
		if m.Track.ID == t.track.ID {
			t.lastSeen = now
			if err := t.recorder.Touch(t.detectionID); err != nil {
				logger.Warn("Failed to touch detection",
					logger.WithDetection(t.detectionID), zap.Error(err))
			}
			return nil
		}
		// track change: close the prior session at its last sighting
		if err := t.recorder.Finalize(t.detectionID, t.lastSeen.Sub(t.sessionStart).Seconds(), t.confidence); err != nil {
			return err
		}
		return t.startSession(m, now)

	case Interrupted:
		sameTrack := m.Track.ID == t.track.ID
		withinWindow := now.Sub(t.silenceStart) < t.mergeWindow

		if sameTrack && withinWindow {
			// resume: shift the session start so elapsed time equals the
			// accumulated play before the interruption
			t.state = Playing
			t.sessionStart = now.Add(-t.accum)
			t.lastSeen = now
			if m.Confidence > t.confidence {
				t.confidence = m.Confidence
			}
			if err := t.recorder.Touch(t.detectionID); err != nil {
				logger.Warn("Failed to touch detection",
					logger.WithDetection(t.detectionID), zap.Error(err))
			}
			return nil
		}

		// different track, or the same track after the window lapsed:
		// the old session is over either way
		if err := t.recorder.Finalize(t.detectionID, t.accum.Seconds(), t.confidence); err != nil {
			return err
		}
		return t.startSession(m, now)
	}

	return nil
}

// OnNoTrack advances the machine with a silent/speech/unidentified chunk
func (t *Tracker) OnNoTrack(now time.Time) error {
	switch t.state {
	case Idle:
		return nil

	case Playing:
		t.state = Interrupted
		t.accum = now.Sub(t.sessionStart)
		t.silenceStart = now
		return nil

	case Interrupted:
		if now.Sub(t.silenceStart) >= t.mergeWindow {
			if err := t.recorder.Finalize(t.detectionID, t.accum.Seconds(), t.confidence); err != nil {
				return err
			}
			t.reset()
		}
		return nil
	}

	return nil
}

// Sweep finalizes an interruption older than the merge window. Called
// periodically so a station that stops emitting chunks mid-track still
// closes its session.
func (t *Tracker) Sweep(now time.Time) error {
	if t.state != Interrupted {
		return nil
	}
	if now.Sub(t.silenceStart) < t.mergeWindow {
		return nil
	}

	if err := t.recorder.Finalize(t.detectionID, t.accum.Seconds(), t.confidence); err != nil {
		return err
	}
	t.reset()
	return nil
}

// Flush finalizes whatever is open with the duration accumulated so far.
// Called on worker cancellation so no in-progress detection outlives the
// grace period.
func (t *Tracker) Flush(now time.Time) error {
	switch t.state {
	case Playing:
		if err := t.recorder.Finalize(t.detectionID, t.lastSeen.Sub(t.sessionStart).Seconds(), t.confidence); err != nil {
			return err
		}
	case Interrupted:
		if err := t.recorder.Finalize(t.detectionID, t.accum.Seconds(), t.confidence); err != nil {
			return err
		}
	default:
		return nil
	}

	t.reset()
	return nil
}

// NeedsReverification reports whether the session has run past the
// max-play cap without a fresh identity check. The caller re-resolves the
// current chunk without the ISRC shortcut and feeds the result back in.
func (t *Tracker) NeedsReverification(now time.Time) bool {
	if t.state != Playing {
		return false
	}
	return now.Sub(t.lastVerified) >= t.maxPlay
}

// MarkVerified records a completed re-verification
func (t *Tracker) MarkVerified(now time.Time) {
	t.lastVerified = now
}

func (t *Tracker) startSession(m Match, now time.Time) error {
	detection, err := t.recorder.Start(t.stationID, m.Track.ID, m.Method, m.Confidence, now)
	if err != nil {
		return err
	}

	t.state = Playing
	t.track = m.Track
	t.detectionID = detection.ID
	t.confidence = m.Confidence
	t.sessionStart = now
	t.lastSeen = now
	t.lastVerified = now
	t.accum = 0
	return nil
}

func (t *Tracker) reset() {
	t.state = Idle
	t.track = nil
	t.detectionID = ""
	t.confidence = 0
	t.accum = 0
}
