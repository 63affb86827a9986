package store

import "fmt"

// RequestStatus is the lifecycle state of a playback request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestGenerating RequestStatus = "generating"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// CanTransition reports whether moving to next is a legal one-directional step.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case RequestPending:
		return next == RequestGenerating || next == RequestFailed
	case RequestGenerating:
		return next == RequestCompleted || next == RequestFailed
	default:
		return false
	}
}

// ChunkStatus is the lifecycle state of one audio segment.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkGenerating ChunkStatus = "generating"
	ChunkReady      ChunkStatus = "ready"
	ChunkPlayed     ChunkStatus = "played"
	ChunkFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) CanTransition(next ChunkStatus) bool {
	switch s {
	case ChunkPending:
		return next == ChunkGenerating || next == ChunkReady || next == ChunkFailed
	case ChunkGenerating:
		return next == ChunkReady || next == ChunkFailed
	case ChunkReady:
		return next == ChunkPlayed || next == ChunkFailed
	default:
		return false
	}
}

// ConnectionStatus is the lifecycle state of a transport session.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionFailed       ConnectionStatus = "failed"
	ConnectionSuperseded   ConnectionStatus = "superseded"
)

// Connection roles. Narrator is exclusive per participant and campaign.
const (
	RoleListener = "listener"
	RoleNarrator = "narrator"
)

// ErrIllegalTransition is returned when a status update would regress.
type ErrIllegalTransition struct {
	From, To string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}
