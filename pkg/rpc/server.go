// Package rpc implements line-delimited JSON-RPC 2.0 serving over a byte
// stream, the host-facing transport of the troika daemon.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/logger"
)

// Request is an incoming JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an outgoing JSON-RPC 2.0 notification.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Handler processes one request's params and returns a result or an error.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server reads requests from in and writes responses to out. Requests are
// dispatched concurrently; writes are serialized.
type Server struct {
	in  io.Reader
	out io.Writer

	writeMu  sync.Mutex
	handlers map[string]Handler
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewServer creates a server over the given streams.
func NewServer(in io.Reader, out io.Writer, log *logger.Logger) *Server {
	return &Server{
		in:       in,
		out:      out,
		handlers: make(map[string]Handler),
		logger:   log.WithFields(zap.String("component", "jsonrpc-server")),
	}
}

// Register installs the handler for a method.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Notify sends a notification to the host.
func (s *Server) Notify(method string, params any) error {
	return s.send(&Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Serve reads until EOF or ctx cancellation, then waits for in-flight
// handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("received malformed message", zap.Error(err))
			_ = s.send(&Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
				Error: &Error{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, &req)
		}()
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc read loop: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		s.logger.Warn("unknown method", zap.String("method", req.Method))
		if req.ID != nil {
			_ = s.send(&Response{JSONRPC: "2.0", ID: req.ID,
				Error: &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}})
		}
		return
	}

	result, rpcErr := handler(ctx, req.Params)
	if req.ID == nil {
		return // notification: no response
	}
	resp := &Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if err := s.send(resp); err != nil {
		s.logger.Error("failed to write response",
			zap.String("method", req.Method), zap.Error(err))
	}
}

func (s *Server) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
