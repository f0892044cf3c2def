package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/google/uuid"
)

// Conn is the transport side of a listener connection. Send must not block;
// implementations queue writes and report failure when the queue overflows.
type Conn interface {
	Send(data []byte) error
	Close()
}

// Connection is one live listener of a session.
type Connection struct {
	Token         string
	SessionID     string
	UserID        string
	LastHeartbeat time.Time
	conn          Conn
}

// Registry owns listener connection liveness. Sessions outlive any
// individual connection; dropping a connection never touches session state.
type Registry struct {
	cfg   config.ListenerConfig
	log   *slog.Logger
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]map[string]*Connection
}

func NewRegistry(parent context.Context, cfg config.ListenerConfig, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		cfg:       cfg,
		log:       log.With(slog.String("component", "connection-registry")),
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
	}
}

// Start launches the liveness sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.monitorLiveness()
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.bySession = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Register adds a connection and returns its token.
func (r *Registry) Register(sessionID, userID string, conn Conn) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max := r.cfg.MaxConnsPerSession; max > 0 && len(r.bySession[sessionID]) >= max {
		return nil, fmt.Errorf("session %s at connection limit %d", sessionID, max)
	}

	c := &Connection{
		Token:         uuid.NewString(),
		SessionID:     sessionID,
		UserID:        userID,
		LastHeartbeat: r.clock().UTC(),
		conn:          conn,
	}
	r.conns[c.Token] = c
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]*Connection)
	}
	r.bySession[sessionID][c.Token] = c

	r.log.Info("listener connected",
		slog.String("session_id", sessionID),
		slog.String("connection_token", c.Token),
		slog.String("user_id", userID))
	return c, nil
}

// Deregister removes a connection and closes its transport.
func (r *Registry) Deregister(token string) {
	r.mu.Lock()
	c := r.conns[token]
	if c != nil {
		delete(r.conns, token)
		if peers := r.bySession[c.SessionID]; peers != nil {
			delete(peers, token)
			if len(peers) == 0 {
				delete(r.bySession, c.SessionID)
			}
		}
	}
	r.mu.Unlock()

	if c != nil {
		c.conn.Close()
		r.log.Info("listener disconnected",
			slog.String("session_id", c.SessionID),
			slog.String("connection_token", token))
	}
}

// Heartbeat refreshes connection liveness. Returns false for unknown tokens.
func (r *Registry) Heartbeat(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[token]
	if c == nil {
		return false
	}
	c.LastHeartbeat = r.clock().UTC()
	return true
}

// Lookup returns a copy of the connection.
func (r *Registry) Lookup(token string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.conns[token]
	if c == nil {
		return Connection{}, false
	}
	return *c, true
}

// Broadcast delivers payload to every live connection of the session and
// returns the delivery count. A failing connection is deregistered, never
// retried; one bad listener cannot block the rest.
func (r *Registry) Broadcast(sessionID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.bySession[sessionID]))
	for _, c := range r.bySession[sessionID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.conn.Send(payload); err != nil {
			r.log.Warn("dropping listener after send failure",
				slog.String("session_id", sessionID),
				slog.String("connection_token", c.Token),
				slog.String("error", err.Error()))
			r.Deregister(c.Token)
			continue
		}
		delivered++
	}
	return delivered
}

// Send delivers payload to a single connection.
func (r *Registry) Send(token string, payload []byte) error {
	r.mu.RLock()
	c := r.conns[token]
	r.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("unknown connection %s", token)
	}
	if err := c.conn.Send(payload); err != nil {
		r.Deregister(token)
		return err
	}
	return nil
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionCount reports live connections for one session.
func (r *Registry) SessionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

func (r *Registry) monitorLiveness() {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.LivenessSweepSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	timeout := time.Duration(r.cfg.HeartbeatTimeoutSec) * time.Second
	now := r.clock().UTC()

	r.mu.RLock()
	var stale []string
	for token, c := range r.conns {
		if now.Sub(c.LastHeartbeat) > timeout {
			stale = append(stale, token)
		}
	}
	r.mu.RUnlock()

	for _, token := range stale {
		r.log.Info("dropping listener after heartbeat timeout",
			slog.String("connection_token", token))
		r.Deregister(token)
	}
}
