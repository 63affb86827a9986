// Package synth turns promoted narration requests into audio segments and
// reports progress back on the bus. Synthesis backends are pluggable: a
// mock for development and an external command for real voices.
package synth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fablecast/fablecast/internal/bus"
	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg    config.SynthConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.SynthConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "synth-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synth request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
			RequestID: req.RequestID,
			Text:      req.Text,
			Voice:     req.Voice,
		})
		produced, err := drainSynthesis(ctx, chunks, errs, s.publishChunk)
		if err != nil {
			s.logger.Warn("synthesis failed",
				slog.String("request", req.RequestID), slogError(err))
			s.publishFailed(req.RequestID, err.Error())
			return
		}
		s.publishDone(req.RequestID, produced)
	}()
}

// drainSynthesis forwards chunks until the backend closes both of its
// channels, in either order, and reports how many chunks it forwarded.
// A backend error or context cancellation aborts the drain.
func drainSynthesis(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error, onChunk func(SynthChunk)) (int, error) {
	produced := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			onChunk(chunk)
			produced++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				break
			}
			if err != nil {
				return produced, err
			}
		case <-ctx.Done():
			return produced, ctx.Err()
		}
	}
	return produced, nil
}

func (s *Service) publishChunk(chunk SynthChunk) {
	packet := protocol.ChunkReady{
		RequestID:  chunk.RequestID,
		Sequence:   chunk.Sequence,
		Location:   chunk.Location,
		DurationMS: chunk.DurationMS,
		SizeBytes:  chunk.SizeBytes,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectChunkReady, data); err != nil {
		s.logger.Warn("failed to publish chunk", slogError(err))
	}
}

func (s *Service) publishDone(requestID string, chunkCount int) {
	data, err := json.Marshal(protocol.GenerationDone{RequestID: requestID, ChunkCount: chunkCount})
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectGenerationDone, data); err != nil {
		s.logger.Warn("failed to publish generation done", slogError(err))
	}
}

func (s *Service) publishFailed(requestID, reason string) {
	data, err := json.Marshal(protocol.GenerationFailed{RequestID: requestID, Reason: reason})
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectGenerationFailed, data); err != nil {
		s.logger.Warn("failed to publish generation failure", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
