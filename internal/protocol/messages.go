package protocol

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// SubmitRequest asks the engine to queue a new narration for vocalization.
// Published by the story agents when narration text is ready.
type SubmitRequest struct {
	Campaign  string `json:"campaign"`
	Lane      string `json:"lane"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// SynthRequest is handed to the speech synthesizer once a request is promoted.
type SynthRequest struct {
	RequestID string `json:"request_id"`
	Campaign  string `json:"campaign"`
	Lane      string `json:"lane"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// ChunkReady announces one synthesized audio segment.
type ChunkReady struct {
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence"`
	Location   string `json:"location"`
	DurationMS int    `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
}

// GenerationDone signals that the synthesizer produced every chunk of a request.
type GenerationDone struct {
	RequestID  string `json:"request_id"`
	ChunkCount int    `json:"chunk_count"`
}

// GenerationFailed signals that synthesis gave up on a request.
type GenerationFailed struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Event is the envelope fanned out to every live connection of a campaign
// lane. stream_started carries no chunk total: synthesis begins at
// promotion, so the total is unknown until stream_stopped.
type Event struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	Sequence     int       `json:"sequence,omitempty"`
	URL          string    `json:"url,omitempty"`
	PendingCount int       `json:"pending_count,omitempty"`
	Current      string    `json:"current,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event types carried on the lane broadcast subject.
const (
	EventStreamStarted = "stream_started"
	EventChunkReady    = "chunk_ready"
	EventStreamStopped = "stream_stopped"
	EventQueueUpdated  = "queue_updated"
)

// RegisterRequest opens a listener or narrator session (request-reply).
type RegisterRequest struct {
	Campaign    string `json:"campaign"`
	Lane        string `json:"lane"`
	Participant string `json:"participant"`
	Role        string `json:"role"`
}

// ResumeRequest rebinds a prior session using its resume token (request-reply).
type ResumeRequest struct {
	Token string `json:"token"`
}

// SessionReply answers register and resume calls.
type SessionReply struct {
	ConnectionID string       `json:"connection_id"`
	Token        string       `json:"token"`
	Pending      []ChunkReady `json:"pending,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Played reports that a connection finished playing a chunk.
type Played struct {
	ConnectionID string `json:"connection_id"`
	RequestID    string `json:"request_id"`
	Sequence     int    `json:"sequence"`
}

// Ack reports that a connection received a chunk.
type Ack struct {
	ConnectionID string `json:"connection_id"`
	RequestID    string `json:"request_id"`
	Sequence     int    `json:"sequence"`
}

// Heartbeat keeps a connection alive.
type Heartbeat struct {
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Disconnect announces a deliberate session close. Sessions that vanish
// without one are reaped by the heartbeat timeout instead.
type Disconnect struct {
	ConnectionID string `json:"connection_id"`
}

const (
	SubjectSubmit           = "playback.request.submit"
	SubjectSynthRequest     = "synth.request"
	SubjectChunkReady       = "synth.chunk.ready"
	SubjectGenerationDone   = "synth.generation.done"
	SubjectGenerationFailed = "synth.generation.failed"
	SubjectRegister         = "client.register"
	SubjectResume           = "client.resume"
	SubjectPlayed           = "client.played"
	SubjectAck              = "client.ack"
	SubjectHeartbeat        = "client.heartbeat"
	SubjectDisconnect       = "client.disconnect"
)

// EventSubject scopes broadcast events to one campaign lane. Campaign and
// lane are folded into single subject tokens so a user-supplied name cannot
// produce wildcard subjects or cross lane scopes.
func EventSubject(campaign, lane string) string {
	return fmt.Sprintf("playback.event.%s.%s", subjectToken(campaign), subjectToken(lane))
}

// subjectToken replaces every character that is structural in a subject
// (token separators, wildcards, whitespace, non-printables) with an
// underscore.
func subjectToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '.' || r == '*' || r == '>':
			b.WriteByte('_')
		case unicode.IsSpace(r) || !unicode.IsPrint(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
