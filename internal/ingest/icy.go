package ingest

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// ICYMetadata carries the stream's self-reported metadata. It is attached
// to chunks as a hint only and never trusted for identification.
type ICYMetadata struct {
	StationName string
	Genre       string
	StreamTitle string // in-band "Artist - Title" when present
}

// Hint splits a structured StreamTitle into (artist, title). ok is false
// when the title does not look structured.
func (m *ICYMetadata) Hint() (artist, title string, ok bool) {
	if m == nil || m.StreamTitle == "" {
		return "", "", false
	}

	for _, sep := range []string{" - ", " – ", " — "} {
		if parts := strings.SplitN(m.StreamTitle, sep, 2); len(parts) == 2 {
			artist = strings.TrimSpace(parts[0])
			title = strings.TrimSpace(parts[1])
			if artist != "" && title != "" {
				return artist, title, true
			}
		}
	}
	return "", "", false
}

// parseICYHeaders extracts the icy-* response headers
func parseICYHeaders(header http.Header) ICYMetadata {
	return ICYMetadata{
		StationName: header.Get("icy-name"),
		Genre:       header.Get("icy-genre"),
	}
}

// icyMetaInt returns the in-band metadata interval, 0 when absent
func icyMetaInt(header http.Header) int {
	v := header.Get("icy-metaint")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// icyReader strips in-band ICY metadata blocks from the byte stream and
// records the most recent StreamTitle. The audio bytes pass through
// untouched.
type icyReader struct {
	src     io.Reader
	metaInt int

	remaining int // audio bytes until the next metadata block

	mu    sync.RWMutex
	title string
}

func newICYReader(src io.Reader, metaInt int) *icyReader {
	return &icyReader{
		src:       src,
		metaInt:   metaInt,
		remaining: metaInt,
	}
}

// Title returns the most recently seen StreamTitle
func (r *icyReader) Title() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.title
}

func (r *icyReader) Read(p []byte) (int, error) {
	if r.metaInt <= 0 {
		return r.src.Read(p)
	}

	if r.remaining == 0 {
		if err := r.readMetaBlock(); err != nil {
			return 0, err
		}
		r.remaining = r.metaInt
	}

	if len(p) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.src.Read(p)
	r.remaining -= n
	return n, err
}

// readMetaBlock consumes one length-prefixed metadata block. The length
// byte counts 16-byte units.
func (r *icyReader) readMetaBlock() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(r.src, lenByte[:]); err != nil {
		return err
	}

	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(r.src, block); err != nil {
		return err
	}

	if title := parseStreamTitle(string(block)); title != "" {
		r.mu.Lock()
		r.title = title
		r.mu.Unlock()
	}

	return nil
}

// parseStreamTitle extracts the StreamTitle='...' field from a metadata
// block
func parseStreamTitle(block string) string {
	const key = "StreamTitle='"
	start := strings.Index(block, key)
	if start < 0 {
		return ""
	}
	rest := block[start+len(key):]
	end := strings.Index(rest, "';")
	if end < 0 {
		end = strings.LastIndex(rest, "'")
		if end < 0 {
			return ""
		}
	}
	return strings.TrimSpace(rest[:end])
}
