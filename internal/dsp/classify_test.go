package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySilence(t *testing.T) {
	bundle := &FeatureBundle{RMS: 0.01}

	class, confidence := Classify(bundle)
	assert.Equal(t, Silence, class)
	assert.Greater(t, confidence, 0.5)
}

func TestClassifyMusic(t *testing.T) {
	bundle := &FeatureBundle{
		RMS:            0.4,
		RhythmStrength: 0.8,
		HarmonicRatio:  0.6,
		SpectralFlux:   0.3,
	}

	// 0.5*0.8 + 0.3*0.6 + 0.2*0.3 = 0.64
	class, confidence := Classify(bundle)
	assert.Equal(t, Music, class)
	assert.InDelta(t, 0.64, confidence, 0.001)
}

func TestClassifyMusicBoundary(t *testing.T) {
	// exactly at the 0.5 threshold counts as music
	bundle := &FeatureBundle{
		RMS:            0.3,
		RhythmStrength: 1.0,
		HarmonicRatio:  0,
		SpectralFlux:   0,
	}

	class, _ := Classify(bundle)
	assert.Equal(t, Music, class)
}

func TestClassifySpeech(t *testing.T) {
	bundle := &FeatureBundle{
		RMS:            0.3,
		RhythmStrength: 0.1,
		HarmonicRatio:  0.1,
		SpectralFlux:   0.1,
		MFCCVars:       []float64{4.0, 4.0, 4.0},
		ChromaMeans:    []float64{1.0, 1.0, 1.0},
	}

	class, _ := Classify(bundle)
	assert.Equal(t, Speech, class)
}

func TestClassifyUnknown(t *testing.T) {
	bundle := &FeatureBundle{
		RMS:            0.3,
		RhythmStrength: 0.1,
		HarmonicRatio:  0.1,
		SpectralFlux:   0.1,
		MFCCVars:       []float64{1.0},
		ChromaMeans:    []float64{1.0},
	}

	class, _ := Classify(bundle)
	assert.Equal(t, Unknown, class)
}

func TestClassifyNil(t *testing.T) {
	class, confidence := Classify(nil)
	assert.Equal(t, Unknown, class)
	assert.Zero(t, confidence)
}

func TestExtractSilence(t *testing.T) {
	e := NewExtractor()

	samples := make([]int16, 44100*2) // one second of stereo zeros
	bundle := e.Extract(samples, 44100, 2)

	require.NotNil(t, bundle)
	assert.Zero(t, bundle.RMS)

	class, _ := Classify(bundle)
	assert.Equal(t, Silence, class)
}

func TestExtractSineWave(t *testing.T) {
	e := NewExtractor()

	const sampleRate = 44100
	samples := make([]int16, sampleRate) // one second mono A440
	for i := range samples {
		samples[i] = int16(20000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}

	bundle := e.Extract(samples, sampleRate, 1)

	require.NotNil(t, bundle)
	assert.InDelta(t, 1.0, bundle.Duration, 0.01)

	// a pure tone after peak normalization has RMS near 1/sqrt(2)
	assert.Greater(t, bundle.RMS, 0.5)

	// all energy is harmonic
	assert.Greater(t, bundle.HarmonicRatio, 0.5)

	// a steady tone has next to no spectral change between frames
	assert.Less(t, bundle.SpectralFlux, 0.2)

	// spectral centroid sits near the tone
	assert.InDelta(t, 440, bundle.SpectralCentroid, 200)
}

func TestExtractTooShort(t *testing.T) {
	e := NewExtractor()

	bundle := e.Extract(make([]int16, 100), 44100, 1)
	require.NotNil(t, bundle)
	assert.Zero(t, bundle.RMS)
	assert.Empty(t, bundle.Mel)
}

func TestExtractStereoMixdown(t *testing.T) {
	// left and right cancel: mono mixdown must be silent
	samples := make([]int16, 44100*2)
	for i := 0; i < len(samples); i += 2 {
		samples[i] = 10000
		samples[i+1] = -10000
	}

	bundle := NewExtractor().Extract(samples, 44100, 2)
	assert.Zero(t, bundle.RMS)
}

func TestMusicScoreWeights(t *testing.T) {
	bundle := &FeatureBundle{
		RhythmStrength: 1.0,
		HarmonicRatio:  1.0,
		SpectralFlux:   1.0,
	}
	assert.InDelta(t, 1.0, MusicScore(bundle), 0.001)

	bundle = &FeatureBundle{RhythmStrength: 1.0}
	assert.InDelta(t, 0.5, MusicScore(bundle), 0.001)
}
