package listener

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
	"github.com/Boundless-Studios/gaia-narration/internal/protocol"
	"github.com/gorilla/websocket"
)

// Snapshots provides the mid-stream state a late-joining listener needs.
type Snapshots interface {
	StreamSnapshot(sessionID string) (playback.StreamSnapshot, bool)
}

// Publisher is the outgoing side of the event bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Gateway upgrades listener websockets, replays mid-stream state on late
// join, and forwards heartbeats and playback acks.
type Gateway struct {
	cfg      config.ListenerConfig
	reg      *Registry
	snaps    Snapshots
	pub      Publisher
	log      *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewGateway(cfg config.ListenerConfig, reg *Registry, snaps Snapshots, pub Publisher, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:   cfg,
		reg:   reg,
		snaps: snaps,
		pub:   pub,
		log:   log.With(slog.String("component", "listener-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// HandleWS serves GET /v1/sessions/{id}/ws.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")

	client := &wsClient{
		send:         make(chan []byte, g.cfg.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: time.Duration(g.cfg.WriteTimeoutSec) * time.Second,
	}

	conn, err := g.reg.Register(sessionID, userID, client)
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	header := http.Header{}
	header.Set("X-Connection-Token", conn.Token)
	ws, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		g.reg.Deregister(conn.Token)
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client.ws = ws
	if g.cfg.ReadLimitBytes > 0 {
		ws.SetReadLimit(int64(g.cfg.ReadLimitBytes))
	}

	go client.writePump()
	g.sendLateJoin(conn.Token, sessionID)
	g.readLoop(conn.Token, sessionID, ws)
}

// sendLateJoin replays the active stream, if any, to one connection only.
func (g *Gateway) sendLateJoin(token, sessionID string) {
	snap, ok := g.snaps.StreamSnapshot(sessionID)
	if !ok || len(snap.ChunkIDs) == 0 {
		return
	}
	evt := protocol.Event{
		Type:      protocol.EventStreamStarted,
		SessionID: sessionID,
		RequestID: snap.RequestID,
		Timestamp: g.now().UTC(),
		Stream: &protocol.StreamInfo{
			StreamURL:   snap.StreamURL,
			PositionSec: snap.PositionSec,
			IsLateJoin:  true,
			ChunkIDs:    snap.ChunkIDs,
			TextPreview: snap.TextPreview,
		},
	}
	data, err := json.Marshal(evt)
	if err != nil {
		g.log.Warn("failed to marshal late-join event", slog.String("error", err.Error()))
		return
	}
	if err := g.reg.Send(token, data); err != nil {
		g.log.Warn("failed to deliver late-join event",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) readLoop(token, sessionID string, ws *websocket.Conn) {
	defer g.reg.Deregister(token)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.log.Warn("invalid listener message",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case protocol.ClientHeartbeat:
			g.reg.Heartbeat(token)
		case protocol.ClientAudioPlayed:
			g.reg.Heartbeat(token)
			g.forwardAck(token, sessionID, msg.ChunkIDs)
		default:
			g.log.Warn("unknown listener message type",
				slog.String("session_id", sessionID),
				slog.String("type", msg.Type))
		}
	}
}

func (g *Gateway) forwardAck(token, sessionID string, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}
	ack := protocol.PlaybackAck{
		SessionID:       sessionID,
		ConnectionToken: token,
		ChunkIDs:        chunkIDs,
		Timestamp:       g.now().UTC(),
	}
	data, err := json.Marshal(ack)
	if err != nil {
		g.log.Warn("failed to marshal ack", slog.String("error", err.Error()))
		return
	}
	if err := g.pub.Publish(protocol.SubjectPlaybackAck, data); err != nil {
		g.log.Warn("failed to publish ack",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// wsClient adapts a gorilla websocket to the Conn interface with a buffered
// outbound queue so one slow listener cannot stall the broadcaster.
type wsClient struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

var errSendQueueFull = errors.New("listener send queue full")
var errConnClosed = errors.New("listener connection closed")

func (c *wsClient) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *wsClient) writePump() {
	defer c.Close()
	for {
		select {
		case msg := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
