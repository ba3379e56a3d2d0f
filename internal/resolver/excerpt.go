package resolver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// excerptSeconds bounds the audio sent to the content-ID provider
const excerptSeconds = 10

// encodeExcerpt packs at most ten seconds of PCM into a WAV blob. The
// encoder needs a seekable target, so it goes through a temp file.
func encodeExcerpt(pcm []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}

	maxSamples := sampleRate * channels * excerptSeconds
	if len(pcm) > maxSamples {
		pcm = pcm[:maxSamples]
	}

	path := filepath.Join(os.TempDir(), "monitor_excerpt_"+uuid.New().String()+".wav")
	defer os.Remove(path)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create excerpt file: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)

	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		f.Close()
		return nil, fmt.Errorf("failed to encode excerpt: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to finalize excerpt: %w", err)
	}
	f.Close()

	return os.ReadFile(path)
}
