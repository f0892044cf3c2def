package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveAndDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "", newLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ref, err := store.Save(context.Background(), []byte("audio-bytes"), "audio/wav")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasSuffix(ref, ".wav") {
		t.Fatalf("expected .wav ref, got %q", ref)
	}

	// Same payload deduplicates to the same ref.
	again, err := store.Save(context.Background(), []byte("audio-bytes"), "audio/wav")
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if again != ref {
		t.Fatalf("expected identical ref, got %q vs %q", again, ref)
	}

	if err := store.Delete(context.Background(), ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveWritesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, "", newLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := store.Save(context.Background(), []byte{0x52, 0x49, 0x46, 0x46}, "audio/mpeg")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ref))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("unexpected payload length %d", len(data))
	}
}

func TestBaseURLRefs(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "https://cdn.example.com/narration/", newLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := store.Save(context.Background(), []byte("x"), "audio/ogg")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(ref, "https://cdn.example.com/narration/") {
		t.Fatalf("expected base url prefix, got %q", ref)
	}
	if err := store.Delete(context.Background(), ref); err != nil {
		t.Fatalf("delete by url ref: %v", err)
	}
}
