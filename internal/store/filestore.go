package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/pplx/models"
)

const (
	filePrefix = "perplexity_response_"
	fileSuffix = ".json"
	// fileStamp is second granularity; collisions get a random suffix.
	fileStamp = "20060102_150405"

	maxNameAttempts = 5
)

// FileStore writes one JSON document per Response into a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates dir (and parents) if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// WithClock overrides the clock used for file names.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *FileStore) Dir() string { return s.dir }

// FileName returns the base name for a record written at t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(fileStamp) + fileSuffix
}

// Save persists resp and returns the written path. Existing files are never
// overwritten.
func (s *FileStore) Save(resp models.Response) (string, error) {
	data, err := encode(resp)
	if err != nil {
		return "", err
	}

	base := FileName(s.now())
	name := base
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			name = base[:len(base)-len(fileSuffix)] + "_" + uuid.NewString()[:8] + fileSuffix
			continue
		}
		if err != nil {
			return "", fmt.Errorf("store: open %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("store: write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("store: close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("store: no free file name for %s after %d attempts", base, maxNameAttempts)
}

// Load reads a record written by Save.
func Load(path string) (models.Response, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.Response{}, err
	}
	var resp models.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Response{}, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return resp, nil
}

// encode renders pretty-printed JSON with non-ASCII and HTML characters kept
// literal.
func encode(resp models.Response) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return nil, fmt.Errorf("store: encode response: %w", err)
	}
	return buf.Bytes(), nil
}
