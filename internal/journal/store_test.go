package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Append(context.Background(), Entry{SessionID: "s1", Type: "audio_chunk_ready"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	entries, err := s.ListSession(context.Background(), "s1", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected empty result, got %v err=%v", entries, err)
	}
}

func TestAppendAndList(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Append(context.Background(), Entry{
		SessionID: "session-123",
		RequestID: "req-1",
		ChunkID:   "chunk-1",
		Type:      "audio_chunk_ready",
		Payload:   []byte(`{"sequence_number":0}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.ListSession(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].RequestID != "req-1" || entries[0].Type != "audio_chunk_ready" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestPruneByDays(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Append(context.Background(), Entry{SessionID: "old", Type: "audio_stream_started"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.Append(context.Background(), Entry{SessionID: "new", Type: "audio_stream_started"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := s.ListSession(context.Background(), "old", 10)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(old))
	}
	recent, err := s.ListSession(context.Background(), "new", 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("expected recent event kept, got %d err=%v", len(recent), err)
	}
}
