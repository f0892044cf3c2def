package listener

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
	"github.com/Boundless-Studios/gaia-narration/internal/protocol"
)

type fakeSnapshots struct {
	snap playback.StreamSnapshot
	ok   bool
}

func (f *fakeSnapshots) StreamSnapshot(string) (playback.StreamSnapshot, bool) {
	return f.snap, f.ok
}

type fakePub struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *fakePub) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func newTestGateway(t *testing.T, snaps Snapshots) (*Gateway, *Registry, *fakePub) {
	t.Helper()
	reg := NewRegistry(context.Background(), config.Default().Listener, newLogger())
	t.Cleanup(reg.Close)
	pub := &fakePub{}
	return NewGateway(config.Default().Listener, reg, snaps, pub, newLogger()), reg, pub
}

func TestLateJoinReplaysActiveStream(t *testing.T) {
	snaps := &fakeSnapshots{
		snap: playback.StreamSnapshot{
			RequestID:   "req-1",
			StreamURL:   "a/c1",
			ChunkIDs:    []string{"c1", "c2"},
			PositionSec: 3.5,
			TextPreview: "The cave mouth looms",
		},
		ok: true,
	}
	g, reg, _ := newTestGateway(t, snaps)

	conn := &fakeConn{}
	c, err := reg.Register("s1", "u1", conn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	g.sendLateJoin(c.Token, "s1")

	if conn.sentCount() != 1 {
		t.Fatalf("expected 1 message, got %d", conn.sentCount())
	}
	var evt protocol.Event
	if err := json.Unmarshal(conn.sent[0], &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != protocol.EventStreamStarted || evt.Stream == nil {
		t.Fatalf("unexpected event %+v", evt)
	}
	if !evt.Stream.IsLateJoin {
		t.Fatal("expected late-join flag set")
	}
	if evt.Stream.PositionSec != 3.5 || len(evt.Stream.ChunkIDs) != 2 {
		t.Fatalf("unexpected stream info %+v", evt.Stream)
	}
}

func TestLateJoinSkippedWhenIdle(t *testing.T) {
	g, reg, _ := newTestGateway(t, &fakeSnapshots{})

	conn := &fakeConn{}
	c, err := reg.Register("s1", "u1", conn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	g.sendLateJoin(c.Token, "s1")

	if conn.sentCount() != 0 {
		t.Fatalf("expected no replay for idle session, got %d", conn.sentCount())
	}
}

func TestForwardAckPublishesToBus(t *testing.T) {
	g, _, pub := newTestGateway(t, &fakeSnapshots{})

	g.forwardAck("tok-1", "s1", []string{"c1", "c2"})
	g.forwardAck("tok-1", "s1", nil)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	acks := pub.msgs[protocol.SubjectPlaybackAck]
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack published, got %d", len(acks))
	}
	var ack protocol.PlaybackAck
	if err := json.Unmarshal(acks[0], &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.SessionID != "s1" || ack.ConnectionToken != "tok-1" || len(ack.ChunkIDs) != 2 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
