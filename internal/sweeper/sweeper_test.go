package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/artifact"
	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
	"github.com/Boundless-Studios/gaia-narration/internal/sessions"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAdvancer struct {
	mu     sync.Mutex
	failed [][2]string
}

func (a *fakeAdvancer) NotifyFailed(sessionID, requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, [2]string{sessionID, requestID})
}

func newTestSweeper(t *testing.T) (*Sweeper, *playback.Registry, *artifact.MemStore, *fakeAdvancer) {
	t.Helper()
	reg := playback.NewRegistry(sessions.NewStaticDirectory([]string{"s1"}), newLogger())
	art := artifact.NewMemStore()
	adv := &fakeAdvancer{}
	s := New(context.Background(), config.Default().Narration, reg, art, nil, adv, newLogger())
	t.Cleanup(s.Close)
	return s, reg, art, adv
}

func TestSweepFailsStuckPendingRequest(t *testing.T) {
	s, reg, _, adv := newTestSweeper(t)

	req, err := reg.EnqueueRequest(context.Background(), "s1", "a line of narration")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// first sweep at enqueue time is a no-op
	s.now = time.Now
	s.Sweep()
	if got, _ := reg.Request("s1", req.ID); got.Status != playback.RequestPending {
		t.Fatalf("expected request still pending, got %s", got.Status)
	}

	s.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	s.Sweep()

	got, ok := reg.Request("s1", req.ID)
	if !ok || got.Status != playback.RequestFailed {
		t.Fatalf("expected request failed, got %v %s", ok, got.Status)
	}
	adv.mu.Lock()
	defer adv.mu.Unlock()
	if len(adv.failed) != 1 || adv.failed[0] != [2]string{"s1", req.ID} {
		t.Fatalf("expected advancer notified once, got %v", adv.failed)
	}
}

func TestSweepFailsStuckGeneratingRequest(t *testing.T) {
	s, reg, _, _ := newTestSweeper(t)

	req, err := reg.EnqueueRequest(context.Background(), "s1", "a line of narration")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.StartGeneration("s1", req.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(4 * time.Minute) }
	s.Sweep()

	got, _ := reg.Request("s1", req.ID)
	if got.Status != playback.RequestFailed {
		t.Fatalf("expected request failed, got %s", got.Status)
	}
}

func TestSweepReclaimsExpiredChunks(t *testing.T) {
	s, reg, art, _ := newTestSweeper(t)
	ctx := context.Background()

	req, err := reg.EnqueueRequest(ctx, "s1", "a line of narration")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.StartGeneration("s1", req.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	ref, err := art.Save(ctx, []byte("audio"), "audio/wav")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	chunk, err := reg.AppendChunk("s1", req.ID, playback.ChunkMeta{
		ArtifactRef: ref, MimeType: "audio/wav", SizeBytes: 5, DurationSec: 1,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := reg.CompleteRequest("s1", req.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := reg.MarkChunkPlayed("s1", chunk.ID); err != nil {
		t.Fatalf("played: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	s.Sweep()

	if art.Len() != 0 {
		t.Fatalf("expected artifact deleted, %d remain", art.Len())
	}
	if _, ok := reg.Chunk("s1", chunk.ID); ok {
		t.Fatal("expected chunk record removed")
	}
	if _, ok := reg.Request("s1", req.ID); ok {
		t.Fatal("expected request record removed")
	}

	// second pass over the same state is a no-op
	s.Sweep()
	if len(art.Deleted) != 1 {
		t.Fatalf("expected single delete, got %d", len(art.Deleted))
	}
}
