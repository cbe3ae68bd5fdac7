// Package server exposes the info/call/batch/roundtable tool surface over
// the host JSON-RPC transport.
package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
	"github.com/troika/troika/internal/orchestrator"
	"github.com/troika/troika/pkg/rpc"
)

// InfoArgs selects the repo and client for the info operation.
type InfoArgs struct {
	CD             string `json:"cd"`
	Client         string `json:"client,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Methods []string `json:"methods"`
}

// Server wires the rpc transport to the engine and orchestrator.
type Server struct {
	rpc    *rpc.Server
	engine *engine.Engine
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// Version is stamped at build time.
var Version = "dev"

// New registers all tool methods on the transport. Progress notifications
// flow back through the transport and, additionally, any extra notifier.
func New(transport *rpc.Server, eng *engine.Engine, hub events.Notifier, log *logger.Logger) *Server {
	s := &Server{
		rpc:    transport,
		engine: eng,
		logger: log.WithFields(zap.String("component", "tool-server")),
	}

	notifier := events.Multi{hub, events.NotifierFunc(s.notifyHost)}
	s.orch = orchestrator.New(eng, notifier, log)

	transport.Register("initialize", s.handleInitialize)
	transport.Register("shutdown", s.handleShutdown)
	transport.Register("info", s.handleInfo)
	transport.Register("call", s.handleCall)
	transport.Register("batch", s.handleBatch)
	transport.Register("roundtable", s.handleRoundtable)
	return s
}

func (s *Server) notifyHost(e events.Event) {
	if err := s.rpc.Notify(e.Type, e); err != nil {
		s.logger.Debug("failed to notify host", zap.Error(err))
	}
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	return InitializeResult{
		Name:    "troika",
		Version: Version,
		Methods: []string{"info", "call", "batch", "roundtable"},
	}, nil
}

func (s *Server) handleShutdown(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	// Drain happens in main during teardown; the handshake just acknowledges.
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleInfo(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var args InfoArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.engine.Info(ctx, args.CD, args.Client, args.ConversationID), nil
}

func (s *Server) handleCall(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var args engine.CallRequest
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	s.logger.Info("call",
		zap.String("role", args.Role),
		zap.Bool("force_new_session", args.ForceNewSession))
	return s.engine.Call(ctx, args), nil
}

func (s *Server) handleBatch(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var args orchestrator.BatchRequest
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	s.logger.Info("batch", zap.Int("tasks", len(args.Tasks)))
	return s.orch.Batch(ctx, args), nil
}

func (s *Server) handleRoundtable(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var args orchestrator.RoundtableRequest
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	s.logger.Info("roundtable",
		zap.Int("participants", len(args.Participants)),
		zap.Int("rounds", args.Rounds))
	return s.orch.Roundtable(ctx, args), nil
}

func unmarshalParams(params json.RawMessage, v any) *rpc.Error {
	if len(params) == 0 {
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
