package dsp

import "gonum.org/v1/gonum/stat"

// Class is the content classification of a chunk
type Class string

const (
	Music   Class = "music"
	Speech  Class = "speech"
	Silence Class = "silence"
	Unknown Class = "unknown"
)

// Classification thresholds
const (
	silenceRMSThreshold = 0.05
	musicScoreThreshold = 0.5

	// speech wins when MFCC variance dominates chroma energy by this factor
	speechDominanceFactor = 2.0
)

// Classify decides whether a bundle is music, speech, silence or unknown.
// The music score is a weighted combination of rhythm strength, harmonic
// ratio and spectral flux. Returns the class and a confidence in [0,1].
func Classify(bundle *FeatureBundle) (Class, float64) {
	if bundle == nil {
		return Unknown, 0
	}

	if bundle.RMS < silenceRMSThreshold {
		// the quieter the chunk, the more certain the call
		conf := 1.0
		if silenceRMSThreshold > 0 {
			conf = 1 - bundle.RMS/silenceRMSThreshold
		}
		return Silence, clamp01(0.5 + conf/2)
	}

	score := MusicScore(bundle)
	if score >= musicScoreThreshold {
		// map score in [0.5, 1] onto confidence [0.5, 1]
		return Music, clamp01(score)
	}

	mfccVar := stat.Mean(bundle.MFCCVars, nil)
	chromaEnergy := stat.Mean(bundle.ChromaMeans, nil)
	if chromaEnergy > 0 && mfccVar/chromaEnergy >= speechDominanceFactor {
		dominance := mfccVar / chromaEnergy / speechDominanceFactor
		return Speech, clamp01(0.5 + dominance/10)
	}

	return Unknown, clamp01(score)
}

// MusicScore is the weighted music-likeness of a bundle
func MusicScore(bundle *FeatureBundle) float64 {
	return 0.5*bundle.RhythmStrength + 0.3*bundle.HarmonicRatio + 0.2*bundle.SpectralFlux
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
