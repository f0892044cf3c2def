package broadcast

import (
	"encoding/json"
	"log/slog"

	"github.com/Boundless-Studios/gaia-narration/internal/bus"
	"github.com/Boundless-Studios/gaia-narration/internal/listener"
	"github.com/Boundless-Studios/gaia-narration/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Marker records that a chunk reached at least one listener.
type Marker interface {
	MarkChunkPlaying(sessionID, chunkID string) error
}

// Broadcaster subscribes to per-session narration events on the bus and
// fans each one out to the session's live websocket connections.
type Broadcaster struct {
	bus    *bus.Client
	conns  *listener.Registry
	marker Marker
	log    *slog.Logger
	sub    *nats.Subscription
}

func New(busClient *bus.Client, conns *listener.Registry, marker Marker, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    busClient,
		conns:  conns,
		marker: marker,
		log:    log.With(slog.String("component", "broadcaster")),
	}
}

func (b *Broadcaster) Start() error {
	if b.bus == nil {
		return nil
	}
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Warn("dropping malformed event", slog.String("error", err.Error()))
			return
		}
		b.deliver(evt, msg.Data)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	b.log.Info("broadcaster subscribed", slog.String("subject", protocol.SubjectEventPrefix+".>"))
	return nil
}

// deliver fans one event out and, for chunk_ready events that reached a
// listener, flips the chunk to playing.
func (b *Broadcaster) deliver(evt protocol.Event, raw []byte) {
	n := b.conns.Broadcast(evt.SessionID, raw)
	if n == 0 {
		return
	}
	if evt.Type == protocol.EventChunkReady && evt.Chunk != nil {
		if err := b.marker.MarkChunkPlaying(evt.SessionID, evt.Chunk.ID); err != nil {
			b.log.Warn("failed to mark chunk playing",
				slog.String("session_id", evt.SessionID),
				slog.String("chunk_id", evt.Chunk.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (b *Broadcaster) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Broadcaster) Healthy() bool {
	return b.bus == nil || b.sub != nil
}
