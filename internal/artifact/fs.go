package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var extByMime = map[string]string{
	"audio/wav":  ".wav",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
}

// FSStore is a content-addressed filesystem store. Payloads are written under
// dir, named by their sha256, and refs are paths relative to dir (optionally
// prefixed with a public base URL).
type FSStore struct {
	dir     string
	baseURL string
	log     *slog.Logger
}

func NewFSStore(dir, baseURL string, log *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With(slog.String("component", "artifact-store")),
	}, nil
}

func (s *FSStore) Save(_ context.Context, payload []byte, mimeType string) (string, error) {
	sum := sha256.Sum256(payload)
	ext := extByMime[mimeType]
	if ext == "" {
		ext = ".bin"
	}
	name := hex.EncodeToString(sum[:]) + ext

	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		// Identical payload already stored.
		return s.ref(name), nil
	}

	tmp, err := os.CreateTemp(s.dir, "artifact-*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return s.ref(name), nil
}

func (s *FSStore) Delete(_ context.Context, ref string) error {
	name := ref
	if s.baseURL != "" {
		name = strings.TrimPrefix(name, s.baseURL+"/")
	}
	name = filepath.Base(name)
	if name == "" || name == "." {
		return fmt.Errorf("delete %q: %w", ref, ErrNotFound)
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", ref, ErrNotFound)
	}
	return err
}

func (s *FSStore) ref(name string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + name
	}
	return name
}
