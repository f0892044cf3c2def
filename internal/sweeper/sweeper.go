package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/artifact"
	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/journal"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
)

// Advancer lets the sweeper tell the queue that a request it failed is
// done, so the session moves on to the next pending request.
type Advancer interface {
	NotifyFailed(sessionID, requestID string)
}

// Sweeper periodically fails stuck requests and reclaims played chunks
// past the retention window.
type Sweeper struct {
	cfg    config.NarrationConfig
	reg    *playback.Registry
	art    artifact.Store
	jrnl   *journal.Store
	adv    Advancer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(parent context.Context, cfg config.NarrationConfig, reg *playback.Registry, art artifact.Store, jrnl *journal.Store, adv Advancer, log *slog.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(parent)
	return &Sweeper{
		cfg:    cfg,
		reg:    reg,
		art:    art,
		jrnl:   jrnl,
		adv:    adv,
		log:    log.With(slog.String("component", "sweeper")),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("sweeper started",
		slog.Int("interval_sec", s.cfg.SweepIntervalSec),
		slog.Int("retention_days", s.cfg.RetentionDays))
}

func (s *Sweeper) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Safe to call concurrently with normal traffic; every
// step is idempotent, so a record that survives one pass is retried on the
// next.
func (s *Sweeper) Sweep() {
	now := s.now()
	s.failStuck(now)
	s.reclaimExpired(now)
	if removed := s.reg.RemoveExpiredRequests(now, s.retention()); removed > 0 {
		s.log.Info("removed expired requests", slog.Int("count", removed))
	}
	if s.jrnl != nil {
		if err := s.jrnl.Prune(s.ctx); err != nil {
			s.log.Warn("journal prune failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Sweeper) failStuck(now time.Time) {
	pending := time.Duration(s.cfg.PendingTimeoutSec) * time.Second
	generating := time.Duration(s.cfg.GeneratingTimeoutSec) * time.Second
	for _, stuck := range s.reg.StuckRequests(now, pending, generating) {
		reason := fmt.Sprintf("timed out in %s state", stuck.Status)
		s.reg.FailRequest(stuck.SessionID, stuck.RequestID, reason)
		s.log.Warn("failed stuck request",
			slog.String("session_id", stuck.SessionID),
			slog.String("request_id", stuck.RequestID),
			slog.String("status", string(stuck.Status)))
		if s.adv != nil {
			s.adv.NotifyFailed(stuck.SessionID, stuck.RequestID)
		}
	}
}

func (s *Sweeper) reclaimExpired(now time.Time) {
	for _, exp := range s.reg.ExpiredPlayedChunks(now, s.retention()) {
		if exp.ArtifactRef != "" {
			if err := s.art.Delete(s.ctx, exp.ArtifactRef); err != nil && !errors.Is(err, artifact.ErrNotFound) {
				// keep the record so the next pass retries the delete
				s.log.Warn("failed to delete artifact",
					slog.String("chunk_id", exp.ChunkID),
					slog.String("ref", exp.ArtifactRef),
					slog.String("error", err.Error()))
				continue
			}
		}
		s.reg.DeleteChunk(exp.SessionID, exp.ChunkID)
	}
}

func (s *Sweeper) retention() time.Duration {
	return time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
}
