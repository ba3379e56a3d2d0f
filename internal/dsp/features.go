// Package dsp decodes PCM chunks into the feature bundle the rest of the
// pipeline works from: mel spectrogram, MFCCs, chroma, and the scalar
// descriptors used for music/speech classification.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"
)

// ExtractorConfig contains analysis parameters
type ExtractorConfig struct {
	FFTSize  int // FFT window size (default: 2048)
	HopSize  int // Hop between windows (default: 512)
	MelBands int // Mel filter bank size (default: 128)
	MFCCs    int // Number of cepstral coefficients (default: 13)
}

// DefaultExtractorConfig returns the analysis defaults
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		FFTSize:  2048,
		HopSize:  512,
		MelBands: 128,
		MFCCs:    13,
	}
}

// FeatureBundle is the full analysis of one chunk
type FeatureBundle struct {
	// Mel-scaled spectrogram, one row per frame
	Mel [][]float64

	// MFCC statistics over frames
	MFCCMeans []float64
	MFCCVars  []float64

	// Chroma mean vector, 12 bins
	ChromaMeans []float64

	// Scalar descriptors
	SpectralCentroid float64
	SpectralRolloff  float64
	ZeroCrossingRate float64
	RhythmStrength   float64
	HarmonicRatio    float64
	SpectralFlux     float64

	// RMS of the peak-normalized signal
	RMS float64

	SampleRate int
	Duration   float64 // seconds
}

// Extractor computes feature bundles from interleaved 16-bit PCM
type Extractor struct {
	cfg ExtractorConfig
}

// NewExtractor creates an extractor with default config
func NewExtractor() *Extractor {
	return &Extractor{cfg: DefaultExtractorConfig()}
}

// NewExtractorWithConfig creates an extractor with custom config
func NewExtractorWithConfig(cfg ExtractorConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract mixes the chunk down to mono, peak-normalizes it, and computes
// the feature bundle. Short or empty input yields a bundle with zero RMS,
// which downstream classification treats as silence.
func (e *Extractor) Extract(samples []int16, sampleRate, channels int) *FeatureBundle {
	mono := mixdown(samples, channels)
	normalize(mono)

	bundle := &FeatureBundle{
		MFCCMeans:   make([]float64, e.cfg.MFCCs),
		MFCCVars:    make([]float64, e.cfg.MFCCs),
		ChromaMeans: make([]float64, 12),
		SampleRate:  sampleRate,
	}
	if sampleRate > 0 {
		bundle.Duration = float64(len(mono)) / float64(sampleRate)
	}

	if len(mono) < e.cfg.FFTSize {
		return bundle
	}

	bundle.RMS = rms(mono)
	bundle.ZeroCrossingRate = zeroCrossingRate(mono)

	spectra := e.spectrogram(mono)
	if len(spectra) == 0 {
		return bundle
	}

	bank := newMelBank(e.cfg.MelBands, e.cfg.FFTSize, sampleRate)
	bundle.Mel = make([][]float64, len(spectra))
	mfccFrames := make([][]float64, len(spectra))
	for i, spectrum := range spectra {
		bundle.Mel[i] = bank.apply(spectrum)
		mfccFrames[i] = dctII(logCompress(bundle.Mel[i]), e.cfg.MFCCs)
	}

	for c := 0; c < e.cfg.MFCCs; c++ {
		col := make([]float64, len(mfccFrames))
		for i := range mfccFrames {
			col[i] = mfccFrames[i][c]
		}
		bundle.MFCCMeans[c] = stat.Mean(col, nil)
		bundle.MFCCVars[c] = stat.Variance(col, nil)
	}

	bundle.ChromaMeans = chromaMeans(spectra, e.cfg.FFTSize, sampleRate)

	avg := averageSpectrum(spectra)
	bundle.SpectralCentroid = spectralCentroid(avg, e.cfg.FFTSize, sampleRate)
	bundle.SpectralRolloff = spectralRolloff(avg, e.cfg.FFTSize, sampleRate, 0.85)

	flux := spectralFlux(spectra)
	bundle.SpectralFlux = stat.Mean(flux, nil)
	bundle.RhythmStrength = rhythmStrength(flux)
	bundle.HarmonicRatio = harmonicRatio(avg)

	return bundle
}

// mixdown folds interleaved channels to mono float64
func mixdown(samples []int16, channels int) []float64 {
	if channels < 1 {
		channels = 1
	}
	n := len(samples) / channels
	mono := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(samples[i*channels+c])
		}
		mono[i] = sum / float64(channels) / 32768.0
	}
	return mono
}

// normalize scales the signal so the absolute peak is 1.0
func normalize(signal []float64) {
	var peak float64
	for _, s := range signal {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	for i := range signal {
		signal[i] /= peak
	}
}

func rms(signal []float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signal {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(signal)))
}

func zeroCrossingRate(signal []float64) float64 {
	if len(signal) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(signal); i++ {
		if (signal[i-1] >= 0) != (signal[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(signal)-1)
}

// spectrogram computes Hann-windowed magnitude spectra per hop
func (e *Extractor) spectrogram(signal []float64) [][]float64 {
	fft := fourier.NewFFT(e.cfg.FFTSize)
	// window.Hann scales in place; applying it to ones yields the coefficients
	hann := window.Hann(onesSlice(e.cfg.FFTSize))

	var spectra [][]float64
	frame := make([]float64, e.cfg.FFTSize)

	for start := 0; start+e.cfg.FFTSize <= len(signal); start += e.cfg.HopSize {
		for i := 0; i < e.cfg.FFTSize; i++ {
			frame[i] = signal[start+i] * hann[i]
		}

		coeffs := fft.Coefficients(nil, frame)

		magnitude := make([]float64, len(coeffs))
		for i, c := range coeffs {
			magnitude[i] = math.Hypot(real(c), imag(c))
		}
		spectra = append(spectra, magnitude)
	}

	return spectra
}

func onesSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// melBank is a triangular mel filter bank
type melBank struct {
	filters [][]float64
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

func newMelBank(bands, fftSize, sampleRate int) *melBank {
	numBins := fftSize/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)

	// band+2 edge points spanning 0..Nyquist on the mel scale
	edges := make([]int, bands+2)
	for i := range edges {
		hz := melToHz(maxMel * float64(i) / float64(bands+1))
		bin := int(hz / float64(sampleRate) * float64(fftSize))
		if bin >= numBins {
			bin = numBins - 1
		}
		edges[i] = bin
	}

	filters := make([][]float64, bands)
	for b := 0; b < bands; b++ {
		filter := make([]float64, numBins)
		left, center, right := edges[b], edges[b+1], edges[b+2]
		for bin := left; bin <= right && bin < numBins; bin++ {
			switch {
			case bin < center && center > left:
				filter[bin] = float64(bin-left) / float64(center-left)
			case bin == center:
				filter[bin] = 1
			case right > center:
				filter[bin] = float64(right-bin) / float64(right-center)
			}
		}
		filters[b] = filter
	}

	return &melBank{filters: filters}
}

func (m *melBank) apply(spectrum []float64) []float64 {
	out := make([]float64, len(m.filters))
	for b, filter := range m.filters {
		var sum float64
		n := len(spectrum)
		if len(filter) < n {
			n = len(filter)
		}
		for i := 0; i < n; i++ {
			sum += spectrum[i] * filter[i]
		}
		out[b] = sum
	}
	return out
}

func logCompress(energies []float64) []float64 {
	out := make([]float64, len(energies))
	for i, e := range energies {
		out[i] = math.Log(e + 1e-10)
	}
	return out
}

// dctII computes the first n coefficients of the DCT-II of x
func dctII(x []float64, n int) []float64 {
	out := make([]float64, n)
	N := float64(len(x))
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(float64(i)+0.5)/N)
		}
		out[k] = sum
	}
	return out
}

// chromaMeans folds spectral energy into 12 pitch classes and averages
// over frames
func chromaMeans(spectra [][]float64, fftSize, sampleRate int) []float64 {
	chroma := make([]float64, 12)
	if sampleRate == 0 {
		return chroma
	}

	binHz := float64(sampleRate) / float64(fftSize)
	for _, spectrum := range spectra {
		for bin := 1; bin < len(spectrum); bin++ {
			freq := float64(bin) * binHz
			if freq < 27.5 || freq > 4186 { // A0..C8
				continue
			}
			// 12-tone pitch class relative to A440
			pitch := 12*math.Log2(freq/440) + 69
			class := ((int(math.Round(pitch)) % 12) + 12) % 12
			chroma[class] += spectrum[bin]
		}
	}

	if len(spectra) > 0 {
		for i := range chroma {
			chroma[i] /= float64(len(spectra))
		}
	}
	return chroma
}

func averageSpectrum(spectra [][]float64) []float64 {
	if len(spectra) == 0 {
		return nil
	}
	avg := make([]float64, len(spectra[0]))
	for _, spectrum := range spectra {
		for i, v := range spectrum {
			avg[i] += v
		}
	}
	for i := range avg {
		avg[i] /= float64(len(spectra))
	}
	return avg
}

func spectralCentroid(spectrum []float64, fftSize, sampleRate int) float64 {
	binHz := float64(sampleRate) / float64(fftSize)
	var weighted, total float64
	for bin, mag := range spectrum {
		weighted += float64(bin) * binHz * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func spectralRolloff(spectrum []float64, fftSize, sampleRate int, fraction float64) float64 {
	var total float64
	for _, mag := range spectrum {
		total += mag
	}
	if total == 0 {
		return 0
	}

	binHz := float64(sampleRate) / float64(fftSize)
	var cum float64
	for bin, mag := range spectrum {
		cum += mag
		if cum >= fraction*total {
			return float64(bin) * binHz
		}
	}
	return float64(len(spectrum)-1) * binHz
}

// spectralFlux is the positive spectral difference between successive
// frames, normalized per frame
func spectralFlux(spectra [][]float64) []float64 {
	if len(spectra) < 2 {
		return []float64{0}
	}

	flux := make([]float64, len(spectra)-1)
	for i := 1; i < len(spectra); i++ {
		var sum, energy float64
		for bin := range spectra[i] {
			d := spectra[i][bin] - spectra[i-1][bin]
			if d > 0 {
				sum += d
			}
			energy += spectra[i][bin]
		}
		if energy > 0 {
			flux[i-1] = sum / energy
		}
	}
	return flux
}

// rhythmStrength measures onset periodicity: the best normalized
// autocorrelation peak of the flux curve over lags from 2 frames up to
// half the curve's length
func rhythmStrength(flux []float64) float64 {
	n := len(flux)
	if n < 8 {
		return 0
	}

	mean := stat.Mean(flux, nil)
	centered := make([]float64, n)
	var norm float64
	for i, f := range flux {
		centered[i] = f - mean
		norm += centered[i] * centered[i]
	}
	if norm == 0 {
		return 0
	}

	best := 0.0
	minLag, maxLag := 2, n/2
	for lag := minLag; lag < maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += centered[i] * centered[i+lag]
		}
		if r := sum / norm; r > best {
			best = r
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// harmonicRatio is the share of spectral energy sitting at integer
// multiples of the dominant bin
func harmonicRatio(spectrum []float64) float64 {
	if len(spectrum) < 4 {
		return 0
	}

	var total float64
	fundamental, peak := 0, 0.0
	for bin := 1; bin < len(spectrum); bin++ {
		total += spectrum[bin]
		if spectrum[bin] > peak {
			peak = spectrum[bin]
			fundamental = bin
		}
	}
	if total == 0 || fundamental == 0 {
		return 0
	}

	var harmonic float64
	for h := 1; h*fundamental < len(spectrum); h++ {
		center := h * fundamental
		// a little tolerance for inharmonicity
		for bin := center - 1; bin <= center+1 && bin < len(spectrum); bin++ {
			if bin > 0 {
				harmonic += spectrum[bin]
			}
		}
	}

	ratio := harmonic / total
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
