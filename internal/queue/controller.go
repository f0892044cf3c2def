package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/artifact"
	"github.com/Boundless-Studios/gaia-narration/internal/bus"
	"github.com/Boundless-Studios/gaia-narration/internal/config"
	"github.com/Boundless-Studios/gaia-narration/internal/generator"
	"github.com/Boundless-Studios/gaia-narration/internal/journal"
	"github.com/Boundless-Studios/gaia-narration/internal/playback"
	"github.com/Boundless-Studios/gaia-narration/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Publisher is the outgoing side of the event bus. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// How long an idle session keeps its worker goroutine before it is torn down.
const workerIdleTTL = 5 * time.Minute

// Controller owns one actor goroutine per active session. The actor is the
// lock: it alone drives request generation for its session, so no mutex is
// held across generator or artifact store calls.
type Controller struct {
	cfg  config.NarrationConfig
	reg  *playback.Registry
	gen  generator.Generator
	art  artifact.Store
	jrnl *journal.Store
	bus  *bus.Client
	pub  Publisher
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	subs    []*nats.Subscription

	now func() time.Time

	chunksGenerated metric.Int64Counter
	requestsFailed  metric.Int64Counter
}

type worker struct {
	sessionID string
	wake      chan struct{}
}

func NewController(parent context.Context, cfg config.NarrationConfig, reg *playback.Registry, gen generator.Generator, art artifact.Store, jrnl *journal.Store, busClient *bus.Client, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:     cfg,
		reg:     reg,
		gen:     gen,
		art:     art,
		jrnl:    jrnl,
		bus:     busClient,
		log:     log.With(slog.String("component", "queue-controller")),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
		now:     time.Now,
	}
	if busClient != nil {
		c.pub = busClient.Conn()
	}
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	meter := otel.Meter("github.com/Boundless-Studios/gaia-narration/queue")
	var err error
	c.chunksGenerated, err = meter.Int64Counter("narration.chunks.generated",
		metric.WithDescription("Audio chunks generated and persisted"))
	if err != nil {
		c.log.Warn("failed to initialize chunk counter", slogError(err))
	}
	c.requestsFailed, err = meter.Int64Counter("narration.requests.failed",
		metric.WithDescription("Narration requests that ended Failed"))
	if err != nil {
		c.log.Warn("failed to initialize failure counter", slogError(err))
	}
}

// Start subscribes to the submit and playback-ack subjects. A controller
// built without a bus client (tests) serves direct calls only.
func (c *Controller) Start() error {
	if c.bus == nil {
		return nil
	}
	conn := c.bus.Conn()
	subSubmit, err := conn.Subscribe(protocol.SubjectSubmit, c.handleSubmit)
	if err != nil {
		return fmt.Errorf("subscribe submit: %w", err)
	}
	c.subs = append(c.subs, subSubmit)

	subAck, err := conn.Subscribe(protocol.SubjectPlaybackAck, c.handleAck)
	if err != nil {
		return fmt.Errorf("subscribe playback ack: %w", err)
	}
	c.subs = append(c.subs, subAck)
	return nil
}

func (c *Controller) Close() {
	c.cancel()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.wg.Wait()
}

func (c *Controller) Healthy() bool {
	return c.bus == nil || len(c.subs) == 2
}

// Submit enqueues narration text for a session and wakes its actor. Safe to
// call concurrently with the actor loop; it only appends to the queue.
func (c *Controller) Submit(ctx context.Context, sessionID, text string) (playback.AudioRequest, error) {
	if strings.TrimSpace(text) == "" {
		return playback.AudioRequest{}, errors.New("narration text must not be empty")
	}
	req, err := c.reg.EnqueueRequest(ctx, sessionID, text)
	if err != nil {
		return playback.AudioRequest{}, err
	}
	c.log.Info("narration queued",
		slog.String("session_id", sessionID),
		slog.String("request_id", req.ID))
	c.publishQueue(sessionID)
	c.wake(sessionID)
	return req, nil
}

// HandleAck marks chunks Played on listener acknowledgement. A single ack
// suffices per chunk. When the last chunk of a terminal request is played the
// session actor is woken so an advance can never be missed.
func (c *Controller) HandleAck(sessionID string, chunkIDs []string) {
	for _, chunkID := range chunkIDs {
		done, err := c.reg.MarkChunkPlayed(sessionID, chunkID)
		if err != nil {
			// Late acks for cleaned-up chunks are expected.
			c.log.Debug("ack for unknown chunk",
				slog.String("session_id", sessionID),
				slog.String("chunk_id", chunkID))
			continue
		}
		if done {
			c.wake(sessionID)
		}
	}
}

// NotifyFailed is called after a request was failed outside the actor loop
// (the timeout sweep). It surfaces the stop to listeners and resumes the
// queue so the session cannot wedge.
func (c *Controller) NotifyFailed(sessionID, requestID string) {
	c.publishStopped(sessionID, requestID)
	c.publishQueue(sessionID)
	if c.requestsFailed != nil {
		c.requestsFailed.Add(c.ctx, 1)
	}
	c.wake(sessionID)
}

func (c *Controller) wake(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	w, ok := c.workers[sessionID]
	if !ok {
		w = &worker{sessionID: sessionID, wake: make(chan struct{}, 1)}
		c.workers[sessionID] = w
		c.wg.Add(1)
		go c.runWorker(w)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) runWorker(w *worker) {
	defer c.wg.Done()
	idle := time.NewTimer(workerIdleTTL)
	defer idle.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			delete(c.workers, w.sessionID)
			c.mu.Unlock()
			return
		case <-w.wake:
			c.drain(w.sessionID)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTTL)
		case <-idle.C:
			c.mu.Lock()
			select {
			case <-w.wake:
				// A wake raced the idle timer; keep going.
				c.mu.Unlock()
				c.drain(w.sessionID)
				idle.Reset(workerIdleTTL)
			default:
				delete(c.workers, w.sessionID)
				c.mu.Unlock()
				return
			}
		}
	}
}

// drain runs queued requests until the session is idle. This is the
// auto-advance loop: each terminal request falls through to the next pending
// one without external intervention.
func (c *Controller) drain(sessionID string) {
	for c.ctx.Err() == nil {
		if _, generating := c.reg.CurrentRequest(sessionID); generating {
			return
		}
		requestID, ok := c.reg.NextPending(sessionID)
		if !ok {
			return
		}
		c.runRequest(sessionID, requestID)
	}
}

func (c *Controller) runRequest(sessionID, requestID string) {
	req, ok := c.reg.Request(sessionID, requestID)
	if !ok {
		return
	}
	if err := c.reg.StartGeneration(sessionID, requestID); err != nil {
		// State machine misuse; log loudly, never surface to listeners.
		c.log.Error("start generation rejected",
			slog.String("session_id", sessionID),
			slog.String("request_id", requestID),
			slogError(err))
		return
	}
	c.publishQueue(sessionID)

	spans := generator.SplitSpans(req.Text, c.cfg.MaxSpanChars)
	if len(spans) == 0 {
		c.failStream(sessionID, requestID, "empty narration text")
		return
	}

	spanTimeout := time.Duration(c.cfg.SpanTimeoutSec) * time.Second
	streamTriggered := false
	for _, span := range spans {
		if c.ctx.Err() != nil {
			c.failStream(sessionID, requestID, "shutdown during generation")
			return
		}

		spanCtx, cancel := context.WithTimeout(c.ctx, spanTimeout)
		payload, err := c.gen.Generate(spanCtx, span)
		cancel()
		if err != nil {
			c.failStream(sessionID, requestID, fmt.Sprintf("generate span: %v", err))
			return
		}

		ref, err := c.art.Save(c.ctx, payload.Bytes, payload.MimeType)
		if err != nil {
			c.failStream(sessionID, requestID, fmt.Sprintf("store artifact: %v", err))
			return
		}

		chunk, err := c.reg.AppendChunk(sessionID, requestID, playback.ChunkMeta{
			MimeType:    payload.MimeType,
			SizeBytes:   int64(len(payload.Bytes)),
			DurationSec: payload.DurationSec,
			ArtifactRef: ref,
		})
		if err != nil {
			// The sweep may have failed the request under us.
			c.failStream(sessionID, requestID, fmt.Sprintf("append chunk: %v", err))
			return
		}
		if c.chunksGenerated != nil {
			c.chunksGenerated.Add(c.ctx, 1)
		}

		if !streamTriggered {
			streamTriggered = true
			c.publishEvent(protocol.Event{
				Type:      protocol.EventStreamStarted,
				SessionID: sessionID,
				RequestID: requestID,
				Stream: &protocol.StreamInfo{
					StreamURL:   chunk.ArtifactRef,
					PositionSec: 0,
					IsLateJoin:  false,
					ChunkIDs:    []string{},
					TextPreview: req.TextPreview,
				},
			})
		}
		c.publishEvent(protocol.Event{
			Type:      protocol.EventChunkReady,
			SessionID: sessionID,
			RequestID: requestID,
			Chunk:     chunkInfo(chunk),
		})
	}

	if err := c.reg.CompleteRequest(sessionID, requestID); err != nil {
		c.reg.FailRequest(sessionID, requestID, err.Error())
		c.publishStopped(sessionID, requestID)
		if c.requestsFailed != nil {
			c.requestsFailed.Add(c.ctx, 1)
		}
	} else {
		c.log.Info("narration completed",
			slog.String("session_id", sessionID),
			slog.String("request_id", requestID))
	}
	c.publishQueue(sessionID)
}

// failStream marks the request Failed and tells listeners to fall back to
// text-only display. Narration loss is acceptable; a wedged session is not.
func (c *Controller) failStream(sessionID, requestID, reason string) {
	c.reg.FailRequest(sessionID, requestID, reason)
	c.publishStopped(sessionID, requestID)
	c.publishQueue(sessionID)
	if c.requestsFailed != nil {
		c.requestsFailed.Add(c.ctx, 1)
	}
}

func (c *Controller) publishStopped(sessionID, requestID string) {
	c.publishEvent(protocol.Event{
		Type:      protocol.EventStreamStopped,
		SessionID: sessionID,
		RequestID: requestID,
	})
}

func (c *Controller) publishQueue(sessionID string) {
	info := c.reg.QueueSummary(sessionID)
	c.publishEvent(protocol.Event{
		Type:      protocol.EventQueueUpdated,
		SessionID: sessionID,
		Queue:     &info,
	})
}

func (c *Controller) publishEvent(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("failed to marshal event", slogError(err))
		return
	}
	if c.pub != nil {
		if err := c.pub.Publish(protocol.EventSubject(evt.SessionID), data); err != nil {
			c.log.Warn("failed to publish event",
				slog.String("session_id", evt.SessionID),
				slog.String("type", string(evt.Type)),
				slogError(err))
		}
	}
	if c.jrnl != nil {
		entry := journal.Entry{
			SessionID: evt.SessionID,
			RequestID: evt.RequestID,
			Type:      string(evt.Type),
			Payload:   data,
		}
		if evt.Chunk != nil {
			entry.ChunkID = evt.Chunk.ID
		}
		if err := c.jrnl.Append(c.ctx, entry); err != nil {
			c.log.Warn("failed to journal event", slogError(err))
		}
	}
}

func (c *Controller) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.log.Warn("failed to decode submit request", slogError(err))
		return
	}
	if _, err := c.Submit(c.ctx, req.SessionID, req.Text); err != nil {
		c.log.Warn("submit rejected",
			slog.String("session_id", req.SessionID),
			slogError(err))
	}
}

func (c *Controller) handleAck(msg *nats.Msg) {
	var ack protocol.PlaybackAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		c.log.Warn("failed to decode playback ack", slogError(err))
		return
	}
	c.HandleAck(ack.SessionID, ack.ChunkIDs)
}

func chunkInfo(chunk playback.AudioChunk) *protocol.ChunkInfo {
	return &protocol.ChunkInfo{
		ID:             chunk.ID,
		SequenceNumber: chunk.Sequence,
		TotalChunks:    chunk.TotalChunks,
		MimeType:       chunk.MimeType,
		SizeBytes:      chunk.SizeBytes,
		DurationSec:    chunk.DurationSec,
		ArtifactRef:    chunk.ArtifactRef,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
