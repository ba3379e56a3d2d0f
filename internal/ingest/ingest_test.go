package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sodav/monitor/internal/enginerr"
	"github.com/sodav/monitor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initLogger() {
	if logger.Log == nil {
		logger.Initialize("error", filepath.Join(os.TempDir(), "monitor_ingest_test.log"))
	}
}

func TestOpenRejectsNonAudio(t *testing.T) {
	initLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a stream</html>"))
	}))
	defer srv.Close()

	_, err := NewIngestor().Open(context.Background(), srv.URL, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAudio))
	assert.True(t, enginerr.IsPermanentInput(err))
}

func TestOpenRejectsClientError(t *testing.T) {
	initLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewIngestor().Open(context.Background(), srv.URL, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.True(t, enginerr.IsPermanentInput(err))
}

func TestOpenServerErrorIsTransient(t *testing.T) {
	initLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewIngestor().Open(context.Background(), srv.URL, DefaultConfig())
	require.Error(t, err)
	assert.True(t, enginerr.IsTransient(err))
}

func TestOpenUnreachableHost(t *testing.T) {
	initLogger()

	_, err := NewIngestor().Open(context.Background(),
		"http://127.0.0.1:1/stream", DefaultConfig())
	require.Error(t, err)
	assert.True(t, enginerr.IsTransient(err))
}

func TestOpenRequestsICYMetadata(t *testing.T) {
	initLogger()

	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get("Icy-MetaData") == "1"
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	NewIngestor().Open(context.Background(), srv.URL, DefaultConfig())
	assert.True(t, sawHeader)
}

func TestConfigFill(t *testing.T) {
	cfg := Config{}
	cfg.fill()

	assert.Equal(t, DefaultConfig(), cfg)
}
