package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/sodav/monitor/internal/logger"
	"go.uber.org/zap"
)

// ErrFpcalcNotFound is returned when the fpcalc binary cannot be found
var ErrFpcalcNotFound = errors.New("fpcalc binary not found")

const fpcalcTimeout = 10 * time.Second

// Chromaprinter shells out to fpcalc for Chromaprint fingerprints.
// Absence of the binary degrades local approximate matching but never
// fails the pipeline.
type Chromaprinter struct {
	binPath   string
	available bool
	tempDir   string
}

// NewChromaprinter probes for fpcalc once at startup
func NewChromaprinter(fpcalcPath string) *Chromaprinter {
	if fpcalcPath == "" {
		fpcalcPath = "fpcalc"
	}

	resolved, err := exec.LookPath(fpcalcPath)
	if err != nil {
		logger.Warn("fpcalc not found, Chromaprint fingerprints disabled",
			zap.String("path", fpcalcPath))
		return &Chromaprinter{available: false}
	}

	tempDir := filepath.Join(os.TempDir(), "monitor_fpcalc")
	os.MkdirAll(tempDir, 0o755)

	return &Chromaprinter{
		binPath:   resolved,
		available: true,
		tempDir:   tempDir,
	}
}

// Available reports whether fpcalc can be invoked
func (c *Chromaprinter) Available() bool {
	return c != nil && c.available
}

// fpcalcOutput is fpcalc's -json -raw response
type fpcalcOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint []int32 `json:"fingerprint"`
}

// Fingerprint writes the PCM to a temporary WAV and runs fpcalc over it
func (c *Chromaprinter) Fingerprint(pcm []int16, sampleRate, channels int) ([]int32, error) {
	if !c.Available() {
		return nil, ErrFpcalcNotFound
	}

	wavPath := filepath.Join(c.tempDir, uuid.New().String()+".wav")
	if err := writeWAV(wavPath, pcm, sampleRate, channels); err != nil {
		return nil, fmt.Errorf("failed to write temp wav: %w", err)
	}
	defer os.Remove(wavPath)

	ctx, cancel := context.WithTimeout(context.Background(), fpcalcTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binPath, "-raw", "-json", wavPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fpcalc failed: %v, stderr: %s", err, stderr.String())
	}

	var out fpcalcOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("failed to parse fpcalc output: %w", err)
	}
	if len(out.Fingerprint) == 0 {
		return nil, fmt.Errorf("fpcalc produced an empty fingerprint")
	}

	return out.Fingerprint, nil
}

// writeWAV encodes interleaved 16-bit PCM as a WAV file
func writeWAV(path string, pcm []int16, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

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
		return err
	}

	return enc.Close()
}
