package service

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fablecast/fablecast/internal/bus"
	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/protocol"
	"github.com/fablecast/fablecast/internal/store"
)

// Broadcaster publishes engine events on the per-lane broadcast subject
// and feeds promoted requests to the synthesizer pipeline. Publication is
// best effort; a lost event is recoverable through resume.
type Broadcaster struct {
	cfg    config.SynthConfig
	bus    *bus.Client
	logger *slog.Logger
}

func NewBroadcaster(cfg config.SynthConfig, busClient *bus.Client, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:    cfg,
		bus:    busClient,
		logger: log.With(slog.String("component", "broadcast")),
	}
}

// StreamStarted announces a promoted request and hands its text to the
// synthesizer pipeline.
func (b *Broadcaster) StreamStarted(campaign, lane string, req *store.Request) {
	b.publishEvent(campaign, lane, protocol.Event{
		Type:      protocol.EventStreamStarted,
		RequestID: req.ID,
		Text:      req.Text,
	})
	synthReq := protocol.SynthRequest{
		RequestID: req.ID,
		Campaign:  campaign,
		Lane:      lane,
		Text:      req.Text,
		Voice:     b.cfg.Voice,
	}
	data, err := json.Marshal(synthReq)
	if err != nil {
		b.logger.Warn("failed to marshal synth request", slogError(err))
		return
	}
	if err := b.bus.Conn().Publish(protocol.SubjectSynthRequest, data); err != nil {
		b.logger.Warn("failed to publish synth request", slogError(err))
	}
}

// ChunkReady announces one READY chunk on the lane broadcast subject.
func (b *Broadcaster) ChunkReady(campaign, lane string, chunk store.Chunk) {
	b.publishEvent(campaign, lane, protocol.Event{
		Type:      protocol.EventChunkReady,
		RequestID: chunk.RequestID,
		Sequence:  chunk.Sequence,
		URL:       chunk.Location,
	})
}

// StreamStopped announces the end of a request, completed or failed.
func (b *Broadcaster) StreamStopped(campaign, lane, requestID string) {
	b.publishEvent(campaign, lane, protocol.Event{
		Type:      protocol.EventStreamStopped,
		RequestID: requestID,
	})
}

// QueueUpdated announces the lane's queue shape after any change.
func (b *Broadcaster) QueueUpdated(campaign, lane string, pending int, current string) {
	b.publishEvent(campaign, lane, protocol.Event{
		Type:         protocol.EventQueueUpdated,
		PendingCount: pending,
		Current:      current,
	})
}

func (b *Broadcaster) publishEvent(campaign, lane string, evt protocol.Event) {
	evt.Timestamp = time.Now().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := b.bus.Conn().Publish(protocol.EventSubject(campaign, lane), data); err != nil {
		b.logger.Warn("failed to publish event",
			slog.String("type", evt.Type), slogError(err))
	}
}
