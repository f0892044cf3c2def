package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/protocol"
	"github.com/Boundless-Studios/gaia-narration/internal/sessions"
	"github.com/google/uuid"
)

const previewChars = 120

// Registry is the authoritative in-memory store of requests and chunks.
// All mutation is partitioned by session id; no lock spans two sessions.
type Registry struct {
	dir   sessions.Directory
	log   *slog.Logger
	clock func() time.Time

	mu    sync.RWMutex
	store map[string]*sessionStore
}

type sessionStore struct {
	mu       sync.Mutex
	requests map[string]*AudioRequest
	chunks   map[string]*AudioChunk
	order    []string // request ids, FIFO by creation
}

func NewRegistry(dir sessions.Directory, log *slog.Logger) *Registry {
	return &Registry{
		dir:   dir,
		log:   log.With(slog.String("component", "playback-registry")),
		clock: time.Now,
		store: make(map[string]*sessionStore),
	}
}

func (r *Registry) session(sessionID string, create bool) *sessionStore {
	r.mu.RLock()
	ss := r.store[sessionID]
	r.mu.RUnlock()
	if ss != nil || !create {
		return ss
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ss = r.store[sessionID]; ss == nil {
		ss = &sessionStore{
			requests: make(map[string]*AudioRequest),
			chunks:   make(map[string]*AudioChunk),
		}
		r.store[sessionID] = ss
	}
	return ss
}

// EnqueueRequest creates a Pending request for the session. The session must
// be known to the game backend.
func (r *Registry) EnqueueRequest(ctx context.Context, sessionID, text string) (AudioRequest, error) {
	if !r.dir.SessionExists(ctx, sessionID) {
		return AudioRequest{}, fmt.Errorf("enqueue for session %s: %w", sessionID, ErrInvalidSession)
	}

	req := AudioRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		TextPreview: preview(text),
		Status:      RequestPending,
		CreatedAt:   r.clock().UTC(),
	}

	ss := r.session(sessionID, true)
	ss.mu.Lock()
	cp := req
	ss.requests[req.ID] = &cp
	ss.order = append(ss.order, req.ID)
	ss.mu.Unlock()

	return req, nil
}

// NextPending returns the oldest Pending request id, if any.
func (r *Registry) NextPending(sessionID string) (string, bool) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return "", false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, id := range ss.order {
		if req := ss.requests[id]; req != nil && req.Status == RequestPending {
			return id, true
		}
	}
	return "", false
}

// StartGeneration transitions Pending -> Generating. At most one request per
// session may be Generating.
func (r *Registry) StartGeneration(sessionID, requestID string) error {
	ss := r.session(sessionID, false)
	if ss == nil {
		return fmt.Errorf("start generation %s: %w", requestID, ErrUnknownRequest)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	req := ss.requests[requestID]
	if req == nil {
		return fmt.Errorf("start generation %s: %w", requestID, ErrUnknownRequest)
	}
	if req.Status != RequestPending {
		return fmt.Errorf("start generation %s from %s: %w", requestID, req.Status, ErrInvalidTransition)
	}
	for _, other := range ss.requests {
		if other.Status == RequestGenerating {
			return fmt.Errorf("start generation %s while %s is generating: %w", requestID, other.ID, ErrInvalidTransition)
		}
	}
	req.Status = RequestGenerating
	req.StartedAt = r.clock().UTC()
	return nil
}

// AppendChunk inserts a chunk with the next sequence number. Legal only while
// the request is Generating. TotalChunks is updated progressively and pinned
// at completion.
func (r *Registry) AppendChunk(sessionID, requestID string, meta ChunkMeta) (AudioChunk, error) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return AudioChunk{}, fmt.Errorf("append chunk to %s: %w", requestID, ErrUnknownRequest)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	req := ss.requests[requestID]
	if req == nil {
		return AudioChunk{}, fmt.Errorf("append chunk to %s: %w", requestID, ErrUnknownRequest)
	}
	if req.Status != RequestGenerating {
		return AudioChunk{}, fmt.Errorf("append chunk to %s in %s: %w", requestID, req.Status, ErrInvalidTransition)
	}

	chunk := AudioChunk{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		SessionID:   sessionID,
		Sequence:    len(req.ChunkIDs),
		TotalChunks: len(req.ChunkIDs) + 1,
		MimeType:    meta.MimeType,
		SizeBytes:   meta.SizeBytes,
		DurationSec: meta.DurationSec,
		ArtifactRef: meta.ArtifactRef,
		Status:      ChunkPending,
		CreatedAt:   r.clock().UTC(),
	}
	cp := chunk
	ss.chunks[chunk.ID] = &cp
	req.ChunkIDs = append(req.ChunkIDs, chunk.ID)
	return chunk, nil
}

// CompleteRequest transitions Generating -> Completed once the chunk sequence
// validates: at least one chunk, contiguous sequence numbers.
func (r *Registry) CompleteRequest(sessionID, requestID string) error {
	ss := r.session(sessionID, false)
	if ss == nil {
		return fmt.Errorf("complete %s: %w", requestID, ErrUnknownRequest)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	req := ss.requests[requestID]
	if req == nil {
		return fmt.Errorf("complete %s: %w", requestID, ErrUnknownRequest)
	}
	if req.Status != RequestGenerating {
		return fmt.Errorf("complete %s from %s: %w", requestID, req.Status, ErrInvalidTransition)
	}
	if len(req.ChunkIDs) == 0 {
		return fmt.Errorf("complete %s with no chunks: %w", requestID, ErrValidation)
	}
	for i, chunkID := range req.ChunkIDs {
		chunk := ss.chunks[chunkID]
		if chunk == nil || chunk.Sequence != i {
			return fmt.Errorf("complete %s with gap at sequence %d: %w", requestID, i, ErrValidation)
		}
	}
	total := len(req.ChunkIDs)
	for _, chunkID := range req.ChunkIDs {
		ss.chunks[chunkID].TotalChunks = total
	}
	req.Status = RequestCompleted
	req.CompletedAt = r.clock().UTC()
	return nil
}

// FailRequest transitions Pending or Generating -> Failed. No-op when the
// request is already terminal or unknown.
func (r *Registry) FailRequest(sessionID, requestID, reason string) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	req := ss.requests[requestID]
	if req == nil || req.Status.Terminal() {
		return
	}
	req.Status = RequestFailed
	req.FailReason = reason
	req.CompletedAt = r.clock().UTC()
	r.log.Warn("request failed",
		slog.String("session_id", sessionID),
		slog.String("request_id", requestID),
		slog.String("reason", reason))
}

// MarkChunkPlaying transitions Pending -> Playing on first delivery to any
// listener. No-op when already Playing or Played.
func (r *Registry) MarkChunkPlaying(sessionID, chunkID string) error {
	ss := r.session(sessionID, false)
	if ss == nil {
		return fmt.Errorf("mark playing %s: %w", chunkID, ErrUnknownChunk)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	chunk := ss.chunks[chunkID]
	if chunk == nil {
		return fmt.Errorf("mark playing %s: %w", chunkID, ErrUnknownChunk)
	}
	if chunk.Status != ChunkPending {
		return nil
	}
	chunk.Status = ChunkPlaying
	chunk.PlayingAt = r.clock().UTC()
	return nil
}

// MarkChunkPlayed transitions a chunk to Played on listener acknowledgement.
// A single ack suffices. Acks for unknown chunks are tolerated; they may
// arrive after cleanup. The returned flag reports whether the owning request
// is terminal with every chunk Played, the auto-advance wake condition.
func (r *Registry) MarkChunkPlayed(sessionID, chunkID string) (bool, error) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return false, fmt.Errorf("mark played %s: %w", chunkID, ErrUnknownChunk)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	chunk := ss.chunks[chunkID]
	if chunk == nil {
		return false, fmt.Errorf("mark played %s: %w", chunkID, ErrUnknownChunk)
	}
	if chunk.Status == ChunkPending {
		// The ack proves delivery even if it raced the broadcaster's
		// Playing mark.
		chunk.PlayingAt = r.clock().UTC()
		chunk.Status = ChunkPlaying
	}
	if chunk.Status == ChunkPlaying {
		chunk.Status = ChunkPlayed
	}

	req := ss.requests[chunk.RequestID]
	if req == nil || !req.Status.Terminal() {
		return false, nil
	}
	for _, id := range req.ChunkIDs {
		if c := ss.chunks[id]; c != nil && c.Status != ChunkPlayed {
			return false, nil
		}
	}
	return true, nil
}

// Request returns a copy of the request.
func (r *Registry) Request(sessionID, requestID string) (AudioRequest, bool) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return AudioRequest{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	req := ss.requests[requestID]
	if req == nil {
		return AudioRequest{}, false
	}
	return copyRequest(req), true
}

// Chunk returns a copy of the chunk.
func (r *Registry) Chunk(sessionID, chunkID string) (AudioChunk, bool) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return AudioChunk{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	chunk := ss.chunks[chunkID]
	if chunk == nil {
		return AudioChunk{}, false
	}
	return *chunk, true
}

// CurrentRequest returns the Generating request for the session, if any.
func (r *Registry) CurrentRequest(sessionID string) (AudioRequest, bool) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return AudioRequest{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, id := range ss.order {
		if req := ss.requests[id]; req != nil && req.Status == RequestGenerating {
			return copyRequest(req), true
		}
	}
	return AudioRequest{}, false
}

// StreamSnapshot captures the active stream for a late-joining listener: the
// Generating request, or the latest Completed request that still has unplayed
// chunks. Position is played durations plus elapsed time into the Playing
// chunk, capped at that chunk's duration.
func (r *Registry) StreamSnapshot(sessionID string) (StreamSnapshot, bool) {
	ss := r.session(sessionID, false)
	if ss == nil {
		return StreamSnapshot{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var req *AudioRequest
	for i := len(ss.order) - 1; i >= 0; i-- {
		candidate := ss.requests[ss.order[i]]
		if candidate == nil {
			continue
		}
		if candidate.Status == RequestGenerating {
			req = candidate
			break
		}
		if candidate.Status == RequestCompleted && req == nil {
			for _, id := range candidate.ChunkIDs {
				if c := ss.chunks[id]; c != nil && c.Status != ChunkPlayed {
					req = candidate
					break
				}
			}
		}
	}
	if req == nil {
		return StreamSnapshot{}, false
	}

	now := r.clock().UTC()
	snap := StreamSnapshot{
		RequestID:   req.ID,
		TextPreview: req.TextPreview,
		ChunkIDs:    append([]string(nil), req.ChunkIDs...),
	}
	for _, id := range req.ChunkIDs {
		chunk := ss.chunks[id]
		if chunk == nil {
			continue
		}
		if snap.StreamURL == "" {
			snap.StreamURL = chunk.ArtifactRef
		}
		switch chunk.Status {
		case ChunkPlayed:
			snap.PositionSec += chunk.DurationSec
		case ChunkPlaying:
			elapsed := now.Sub(chunk.PlayingAt).Seconds()
			if elapsed > chunk.DurationSec {
				elapsed = chunk.DurationSec
			}
			if elapsed > 0 {
				snap.PositionSec += elapsed
			}
		}
	}
	return snap, true
}

// QueueSummary builds the listener-visible queue state.
func (r *Registry) QueueSummary(sessionID string) protocol.QueueInfo {
	info := protocol.QueueInfo{PendingRequests: []protocol.RequestSummary{}}
	ss := r.session(sessionID, false)
	if ss == nil {
		return info
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, id := range ss.order {
		req := ss.requests[id]
		if req == nil {
			continue
		}
		switch req.Status {
		case RequestPending:
			info.PendingCount++
			info.PendingRequests = append(info.PendingRequests, summarize(req))
		case RequestGenerating:
			s := summarize(req)
			info.CurrentRequest = &s
		}
	}
	return info
}

// StuckRequests scans every session for requests past their state timeout.
func (r *Registry) StuckRequests(now time.Time, pendingTimeout, generatingTimeout time.Duration) []StuckRequest {
	var stuck []StuckRequest
	for _, sessionID := range r.sessionIDs() {
		ss := r.session(sessionID, false)
		if ss == nil {
			continue
		}
		ss.mu.Lock()
		for _, req := range ss.requests {
			switch req.Status {
			case RequestPending:
				if now.Sub(req.CreatedAt) > pendingTimeout {
					stuck = append(stuck, StuckRequest{SessionID: sessionID, RequestID: req.ID, Status: req.Status})
				}
			case RequestGenerating:
				if now.Sub(req.StartedAt) > generatingTimeout {
					stuck = append(stuck, StuckRequest{SessionID: sessionID, RequestID: req.ID, Status: req.Status})
				}
			}
		}
		ss.mu.Unlock()
	}
	return stuck
}

// ExpiredPlayedChunks lists Played chunks created before the retention cutoff.
func (r *Registry) ExpiredPlayedChunks(now time.Time, retention time.Duration) []ExpiredChunk {
	cutoff := now.Add(-retention)
	var expired []ExpiredChunk
	for _, sessionID := range r.sessionIDs() {
		ss := r.session(sessionID, false)
		if ss == nil {
			continue
		}
		ss.mu.Lock()
		for _, chunk := range ss.chunks {
			if chunk.Status == ChunkPlayed && chunk.CreatedAt.Before(cutoff) {
				expired = append(expired, ExpiredChunk{
					SessionID:   sessionID,
					ChunkID:     chunk.ID,
					ArtifactRef: chunk.ArtifactRef,
				})
			}
		}
		ss.mu.Unlock()
	}
	return expired
}

// DeleteChunk removes a chunk record. Returns false when already gone.
func (r *Registry) DeleteChunk(sessionID, chunkID string) bool {
	ss := r.session(sessionID, false)
	if ss == nil {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.chunks[chunkID]; !ok {
		return false
	}
	delete(ss.chunks, chunkID)
	return true
}

// RemoveExpiredRequests drops terminal requests older than the retention
// window whose chunk records are all gone, then forgets empty sessions.
func (r *Registry) RemoveExpiredRequests(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	removed := 0
	for _, sessionID := range r.sessionIDs() {
		ss := r.session(sessionID, false)
		if ss == nil {
			continue
		}
		ss.mu.Lock()
		kept := ss.order[:0]
		for _, id := range ss.order {
			req := ss.requests[id]
			if req == nil {
				continue
			}
			expired := req.Status.Terminal() && req.CompletedAt.Before(cutoff)
			if expired {
				for _, chunkID := range req.ChunkIDs {
					if _, alive := ss.chunks[chunkID]; alive {
						expired = false
						break
					}
				}
			}
			if expired {
				delete(ss.requests, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		ss.order = kept
		empty := len(ss.requests) == 0 && len(ss.chunks) == 0
		ss.mu.Unlock()

		if empty {
			r.mu.Lock()
			if cur := r.store[sessionID]; cur == ss {
				delete(r.store, sessionID)
			}
			r.mu.Unlock()
		}
	}
	return removed
}

// Stats reports coarse counts for telemetry.
func (r *Registry) Stats() (activeSessions, generating, pending int) {
	for _, sessionID := range r.sessionIDs() {
		ss := r.session(sessionID, false)
		if ss == nil {
			continue
		}
		ss.mu.Lock()
		active := false
		for _, req := range ss.requests {
			switch req.Status {
			case RequestGenerating:
				generating++
				active = true
			case RequestPending:
				pending++
				active = true
			}
		}
		ss.mu.Unlock()
		if active {
			activeSessions++
		}
	}
	return
}

func (r *Registry) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.store))
	for id := range r.store {
		ids = append(ids, id)
	}
	return ids
}

func copyRequest(req *AudioRequest) AudioRequest {
	cp := *req
	cp.ChunkIDs = append([]string(nil), req.ChunkIDs...)
	return cp
}

func summarize(req *AudioRequest) protocol.RequestSummary {
	return protocol.RequestSummary{
		RequestID:   req.ID,
		TextPreview: req.TextPreview,
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt,
	}
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewChars {
		return text
	}
	return string(runes[:previewChars]) + "…"
}
