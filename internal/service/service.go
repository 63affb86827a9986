// Package service exposes the playback engine and the connection registry
// on the message bus: ingest of narration submissions and synthesizer
// progress, request-reply session management, and the per-lane event
// broadcast every client listens to.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/fablecast/fablecast/internal/bus"
	"github.com/fablecast/fablecast/internal/playback"
	"github.com/fablecast/fablecast/internal/protocol"
	"github.com/fablecast/fablecast/internal/registry"
	"github.com/fablecast/fablecast/internal/store"
	"github.com/nats-io/nats.go"
)

type Service struct {
	bus      *bus.Client
	engine   *playback.Engine
	registry *registry.Registry
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, engine *playback.Engine, reg *registry.Registry, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		engine:   engine,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "playback-service")),
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSubmit, s.handleSubmit},
		{protocol.SubjectChunkReady, s.handleChunkReady},
		{protocol.SubjectGenerationDone, s.handleGenerationDone},
		{protocol.SubjectGenerationFailed, s.handleGenerationFailed},
		{protocol.SubjectRegister, s.handleRegister},
		{protocol.SubjectResume, s.handleResume},
		{protocol.SubjectAck, s.handleAck},
		{protocol.SubjectPlayed, s.handlePlayed},
		{protocol.SubjectHeartbeat, s.handleHeartbeat},
		{protocol.SubjectDisconnect, s.handleDisconnect},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drainSubs()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drainSubs()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode submit", slogError(err))
		return
	}
	if req.Campaign == "" || req.Lane == "" || req.Text == "" {
		s.logger.Warn("submit missing campaign, lane or text dropped")
		return
	}
	if _, err := s.engine.Create(s.ctx, req.Campaign, req.Lane, req.Text, req.MessageID); err != nil {
		s.logger.Warn("failed to create request", slogError(err))
	}
}

func (s *Service) handleChunkReady(msg *nats.Msg) {
	var chunk protocol.ChunkReady
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.logger.Warn("failed to decode chunk", slogError(err))
		return
	}
	if _, err := s.engine.AppendChunk(s.ctx, chunk.RequestID, chunk.Sequence,
		chunk.Location, chunk.DurationMS, chunk.SizeBytes); err != nil {
		s.logger.Warn("failed to append chunk",
			slog.String("request", chunk.RequestID), slogError(err))
	}
}

func (s *Service) handleGenerationDone(msg *nats.Msg) {
	var done protocol.GenerationDone
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		s.logger.Warn("failed to decode generation done", slogError(err))
		return
	}
	if err := s.engine.GenerationDone(s.ctx, done.RequestID, done.ChunkCount); err != nil {
		s.logger.Warn("failed to finish generation",
			slog.String("request", done.RequestID), slogError(err))
	}
}

func (s *Service) handleGenerationFailed(msg *nats.Msg) {
	var failed protocol.GenerationFailed
	if err := json.Unmarshal(msg.Data, &failed); err != nil {
		s.logger.Warn("failed to decode generation failure", slogError(err))
		return
	}
	if err := s.engine.GenerationFailed(s.ctx, failed.RequestID, failed.Reason); err != nil {
		s.logger.Warn("failed to record generation failure",
			slog.String("request", failed.RequestID), slogError(err))
	}
}

func (s *Service) handleRegister(msg *nats.Msg) {
	var req protocol.RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replySession(msg, nil, nil, errors.New("malformed register request"))
		return
	}
	role := req.Role
	if role == "" {
		role = store.RoleListener
	}
	conn, err := s.registry.Register(s.ctx, req.Campaign, req.Lane, req.Participant, role)
	s.replySession(msg, conn, nil, err)
}

func (s *Service) handleResume(msg *nats.Msg) {
	var req protocol.ResumeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replySession(msg, nil, nil, errors.New("malformed resume request"))
		return
	}
	conn, pending, err := s.registry.Resume(s.ctx, req.Token)
	s.replySession(msg, conn, pending, err)
}

func (s *Service) replySession(msg *nats.Msg, conn *store.Connection, pending []store.Chunk, err error) {
	if msg.Reply == "" {
		return
	}
	reply := protocol.SessionReply{}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.ConnectionID = conn.ID
		reply.Token = conn.Token
		for _, c := range pending {
			reply.Pending = append(reply.Pending, protocol.ChunkReady{
				RequestID:  c.RequestID,
				Sequence:   c.Sequence,
				Location:   c.Location,
				DurationMS: c.DurationMS,
				SizeBytes:  c.SizeBytes,
			})
		}
	}
	data, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		s.logger.Warn("failed to marshal session reply", slogError(marshalErr))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send session reply", slogError(err))
	}
}

func (s *Service) handleAck(msg *nats.Msg) {
	var ack protocol.Ack
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		s.logger.Warn("failed to decode ack", slogError(err))
		return
	}
	if err := s.engine.OnAck(s.ctx, ack.ConnectionID, ack.RequestID, ack.Sequence); err != nil {
		s.logger.Warn("failed to record ack", slogError(err))
	}
}

func (s *Service) handlePlayed(msg *nats.Msg) {
	var played protocol.Played
	if err := json.Unmarshal(msg.Data, &played); err != nil {
		s.logger.Warn("failed to decode played", slogError(err))
		return
	}
	if err := s.engine.OnPlayed(s.ctx, played.ConnectionID, played.RequestID, played.Sequence); err != nil {
		s.logger.Warn("failed to record played", slogError(err))
	}
}

func (s *Service) handleHeartbeat(msg *nats.Msg) {
	var beat protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &beat); err != nil {
		s.logger.Warn("failed to decode heartbeat", slogError(err))
		return
	}
	if err := s.registry.Heartbeat(s.ctx, beat.ConnectionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to record heartbeat", slogError(err))
	}
}

func (s *Service) handleDisconnect(msg *nats.Msg) {
	var bye protocol.Disconnect
	if err := json.Unmarshal(msg.Data, &bye); err != nil {
		s.logger.Warn("failed to decode disconnect", slogError(err))
		return
	}
	if err := s.registry.Close(s.ctx, bye.ConnectionID, store.ConnectionDisconnected); err != nil {
		s.logger.Warn("failed to close session", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
