// Package fingerprint turns feature bundles into the two fingerprints the
// resolver matches on: an MD5 content hash for exact lookup and an optional
// Chromaprint integer vector for approximate matching.
package fingerprint

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/sodav/monitor/internal/dsp"
)

// Pair is the fingerprint set produced for one music chunk
type Pair struct {
	// Hash is the MD5 of the canonical feature serialization
	Hash string

	// HashPayload is the serialized form the hash was computed over,
	// stored alongside the hash so local similarity can re-read features
	HashPayload []byte

	// Chromaprint is the raw integer vector, nil when fpcalc is unavailable
	Chromaprint []int32
}

// canonicalFeatures is the exact-match identity of a chunk: the stable
// feature subset, rounded so float jitter does not break equality
type canonicalFeatures struct {
	MFCC     []float64 `json:"mfcc"`
	Chroma   []float64 `json:"chroma"`
	Centroid float64   `json:"centroid"`
	Rhythm   float64   `json:"rhythm"`
}

// Codec produces fingerprint pairs
type Codec struct {
	chromaprint *Chromaprinter
}

// NewCodec creates a codec. chromaprint may be nil; hashing alone still
// supports the exact-match path.
func NewCodec(chromaprint *Chromaprinter) *Codec {
	return &Codec{chromaprint: chromaprint}
}

// Encode produces the fingerprint pair for a music bundle. The Chromaprint
// half is best-effort: failures leave it nil and never fail the pipeline.
func (c *Codec) Encode(bundle *dsp.FeatureBundle, pcm []int16, sampleRate, channels int) (*Pair, error) {
	payload, hash, err := HashBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to hash feature bundle: %w", err)
	}

	pair := &Pair{
		Hash:        hash,
		HashPayload: payload,
	}

	if c.chromaprint != nil && c.chromaprint.Available() {
		vector, err := c.chromaprint.Fingerprint(pcm, sampleRate, channels)
		if err == nil {
			pair.Chromaprint = vector
		}
	}

	return pair, nil
}

// HashBundle serializes the canonical feature subset (3 decimal places)
// and MD5s it
func HashBundle(bundle *dsp.FeatureBundle) ([]byte, string, error) {
	canonical := canonicalFeatures{
		MFCC:     roundAll(bundle.MFCCMeans),
		Chroma:   roundAll(bundle.ChromaMeans),
		Centroid: round3(bundle.SpectralCentroid),
		Rhythm:   round3(bundle.RhythmStrength),
	}

	payload, err := json.Marshal(canonical)
	if err != nil {
		return nil, "", err
	}

	sum := md5.Sum(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

// DecodePayload parses a stored hash payload back into comparable features
func DecodePayload(payload []byte) ([]float64, error) {
	var canonical canonicalFeatures
	if err := json.Unmarshal(payload, &canonical); err != nil {
		return nil, err
	}
	axes := make([]float64, 0, len(canonical.MFCC)+len(canonical.Chroma)+2)
	axes = append(axes, canonical.MFCC...)
	axes = append(axes, canonical.Chroma...)
	axes = append(axes, canonical.Centroid, canonical.Rhythm)
	return axes, nil
}

// BundleAxes flattens a bundle to the same axis order as DecodePayload
func BundleAxes(bundle *dsp.FeatureBundle) []float64 {
	axes := make([]float64, 0, len(bundle.MFCCMeans)+len(bundle.ChromaMeans)+2)
	axes = append(axes, roundAll(bundle.MFCCMeans)...)
	axes = append(axes, roundAll(bundle.ChromaMeans)...)
	axes = append(axes, round3(bundle.SpectralCentroid), round3(bundle.RhythmStrength))
	return axes
}

// EncodeChromaprint packs an integer vector into bytes for storage
func EncodeChromaprint(vector []int32) []byte {
	data := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return data
}

// DecodeChromaprint unpacks a stored Chromaprint byte blob
func DecodeChromaprint(data []byte) []int32 {
	vector := make([]int32, len(data)/4)
	for i := range vector {
		vector[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vector
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func roundAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = round3(v)
	}
	return out
}
