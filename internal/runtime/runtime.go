package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/artifact"
	"github.com/Boundless-Studios/gaia-narration/internal/broadcast"
	"github.com/Boundless-Studios/gaia-narration/internal/bus"
	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/generator"
	"github.com/Boundless-Studios/gaia-narration/internal/journal"
	"github.com/Boundless-Studios/gaia-narration/internal/listener"
	"github.com/Boundless-Studios/gaia-narration/internal/natsserver"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
	"github.com/Boundless-Studios/gaia-narration/internal/queue"
	"github.com/Boundless-Studios/gaia-narration/internal/sessions"
	"github.com/Boundless-Studios/gaia-narration/internal/sweeper"
)

// Runtime assembles and supervises the narration service: the event bus,
// the playback registry, the session queue controller, the listener
// gateway, the broadcaster, and the cleanup sweeper.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsSrv *natsserver.EmbeddedServer
	bus     *bus.Client
	jrnl    *journal.Store
	reg     *playback.Registry
	conns   *listener.Registry
	ctrl    *queue.Controller
	bcast   *broadcast.Broadcaster
	sweep   *sweeper.Sweeper
	gateway *listener.Gateway
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.natsSrv, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}

	r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.jrnl, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	dir, err := sessions.New(r.cfg.Sessions)
	if err != nil {
		return fmt.Errorf("failed to build session directory: %w", err)
	}
	r.reg = playback.NewRegistry(dir, r.logger)

	store, err := artifact.NewFSStore(r.cfg.Artifacts.Dir, r.cfg.Artifacts.BaseURL, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	gen, err := r.buildGenerator()
	if err != nil {
		return fmt.Errorf("failed to build generator: %w", err)
	}

	r.ctrl = queue.NewController(ctx, r.cfg.Narration, r.reg, gen, store, r.jrnl, r.bus, r.logger)
	if err := r.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start queue controller: %w", err)
	}

	r.conns = listener.NewRegistry(ctx, r.cfg.Listener, r.logger)
	r.conns.Start()
	r.gateway = listener.NewGateway(r.cfg.Listener, r.conns, r.reg, r.bus.Conn(), r.logger)

	r.bcast = broadcast.New(r.bus, r.conns, r.reg, r.logger)
	if err := r.bcast.Start(); err != nil {
		return fmt.Errorf("failed to start broadcaster: %w", err)
	}

	r.sweep = sweeper.New(ctx, r.cfg.Narration, r.reg, store, r.jrnl, r.ctrl, r.logger)
	r.sweep.Start()

	if err := registerGauges(r.reg, r.conns); err != nil {
		r.logger.Warn("failed to register gauges", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("POST /v1/sessions/{id}/narrations", r.handleSubmit)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", r.gateway.HandleWS)
	mux.HandleFunc("GET /v1/sessions/{id}/queue", r.handleQueue)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleEvents)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.sweep.Close()
	r.bcast.Close()
	r.ctrl.Close()
	r.conns.Close()
	r.bus.Close()
	if err := r.jrnl.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	if r.natsSrv != nil {
		r.natsSrv.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildGenerator() (generator.Generator, error) {
	switch r.cfg.Generator.Mode {
	case "exec":
		return generator.NewExec(r.cfg.Generator.Command, r.cfg.Generator.Voice, r.cfg.Generator.MimeType)
	default:
		return generator.NewMock(r.cfg.Generator.MimeType, 0), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.ctrl.Healthy() && r.bcast.Healthy() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSubmit(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	audioReq, err := r.ctrl.Submit(req.Context(), sessionID, body.Text)
	if err != nil {
		if errors.Is(err, playback.ErrInvalidSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_id":   audioReq.ID,
		"session_id":   audioReq.SessionID,
		"status":       audioReq.Status,
		"text_preview": audioReq.TextPreview,
		"created_at":   audioReq.CreatedAt,
	})
}

func (r *Runtime) handleQueue(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.reg.QueueSummary(sessionID))
}

// handleEvents serves the journal for one session, newest first. Debug
// surface; empty when the journal runs in ephemeral mode.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	entries, err := r.jrnl.ListSession(req.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type eventRow struct {
		ID         int64           `json:"id"`
		Type       string          `json:"type"`
		RequestID  string          `json:"request_id,omitempty"`
		ChunkID    string          `json:"chunk_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
		RecordedAt time.Time       `json:"recorded_at"`
	}
	rows := make([]eventRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, eventRow{
			ID:         e.ID,
			Type:       e.Type,
			RequestID:  e.RequestID,
			ChunkID:    e.ChunkID,
			Payload:    json.RawMessage(e.Payload),
			RecordedAt: e.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}
