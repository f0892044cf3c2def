package protocol

import "time"

// NATS subjects used by the narration engine.
const (
	// SubjectSubmit carries SubmitRequest messages from the game backend.
	SubjectSubmit = "narration.submit"
	// SubjectEventPrefix scopes listener-facing events per session, e.g.
	// narration.event.<session_id>.
	SubjectEventPrefix = "narration.event"
	// SubjectPlaybackAck carries PlaybackAck messages from listener gateways.
	SubjectPlaybackAck = "narration.playback.ack"
)

// EventSubject returns the per-session event subject.
func EventSubject(sessionID string) string {
	return SubjectEventPrefix + "." + sessionID
}

// EventType identifies a listener-facing event.
type EventType string

const (
	EventStreamStarted EventType = "audio_stream_started"
	EventStreamStopped EventType = "audio_stream_stopped"
	EventChunkReady    EventType = "audio_chunk_ready"
	EventQueueUpdated  EventType = "playback_queue_updated"
)

// Event is the envelope broadcast to every listener of a session. Exactly one
// of Stream, Chunk, Queue is populated depending on Type.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Stream    *StreamInfo `json:"stream,omitempty"`
	Chunk     *ChunkInfo  `json:"chunk,omitempty"`
	Queue     *QueueInfo  `json:"queue,omitempty"`
}

// StreamInfo describes a new or resumed stream for a listener.
type StreamInfo struct {
	StreamURL   string   `json:"stream_url,omitempty"`
	PositionSec float64  `json:"position_sec"`
	IsLateJoin  bool     `json:"is_late_join"`
	ChunkIDs    []string `json:"chunk_ids"`
	TextPreview string   `json:"text_preview,omitempty"`
}

// ChunkInfo carries chunk metadata for progress display; playback itself
// fetches the artifact ref.
type ChunkInfo struct {
	ID             string  `json:"id"`
	SequenceNumber int     `json:"sequence_number"`
	TotalChunks    int     `json:"total_chunks"`
	MimeType       string  `json:"mime_type"`
	SizeBytes      int64   `json:"size_bytes"`
	DurationSec    float64 `json:"duration_sec"`
	ArtifactRef    string  `json:"artifact_ref"`
}

// RequestSummary is the listener-visible view of a queued request.
type RequestSummary struct {
	RequestID   string    `json:"request_id"`
	TextPreview string    `json:"text_preview"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueInfo reports queue depth after a change.
type QueueInfo struct {
	PendingCount    int              `json:"pending_count"`
	CurrentRequest  *RequestSummary  `json:"current_request,omitempty"`
	PendingRequests []RequestSummary `json:"pending_requests"`
}

// SubmitRequest enqueues narration text for a session.
type SubmitRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Client message types received over the listener websocket.
const (
	ClientAudioPlayed = "audio_played"
	ClientHeartbeat   = "heartbeat"
)

// ClientMessage is the envelope for listener-to-server messages.
type ClientMessage struct {
	Type            string   `json:"type"`
	ChunkIDs        []string `json:"chunk_ids,omitempty"`
	ConnectionToken string   `json:"connection_token,omitempty"`
}

// PlaybackAck reports chunks a listener finished playing.
type PlaybackAck struct {
	SessionID       string    `json:"session_id"`
	ConnectionToken string    `json:"connection_token,omitempty"`
	ChunkIDs        []string  `json:"chunk_ids"`
	Timestamp       time.Time `json:"timestamp"`
}
