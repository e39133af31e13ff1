// Package reqresp answers one-shot queries: each TCP connection carries one
// request and one response, then closes.
package reqresp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
)

const DefaultMaxRequestSize = 1024

// Error codes carried by error responses.
const (
	CodeUnknownRequest = "unknown_request"
	CodeBadRequest     = "bad_request"
	CodeRequestFailed  = "request_failed"
)

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrBadRequest     = errors.New("bad request")
	ErrServerClosed   = errors.New("request server closed")
)

// HandlerFunc computes the response to one request.
type HandlerFunc func(ctx context.Context, req envelope.Request) (envelope.Response, error)

type Server struct {
	maxRequestSize int
	readTimeout    time.Duration
	logger         log.Log
	recorder       metrics.Recorder

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	ln       net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger log.Log) Option {
	return func(s *Server) { s.logger = logger }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) { s.recorder = metrics.OrNop(r) }
}

func WithMaxRequestSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestSize = n
		}
	}
}

// WithReadTimeout bounds how long a connection may take to send its
// request. Zero waits indefinitely.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		maxRequestSize: DefaultMaxRequestSize,
		logger:         log.Nop(),
		recorder:       metrics.Nop{},
		handlers:       make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "reqresp"))
	return s
}

// Handle installs or replaces the handler for requestType.
func (s *Server) Handle(requestType string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[requestType] = h
}

// Listen binds the listening socket.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", address, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop on the bound listener until ctx is done or
// Close is called. It waits for in-flight requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("request server is not listening")
	}

	s.running.Store(true)
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("Request server listening", log.String("addr", ln.Addr().String()))
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("Accept failed", log.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.logger.Info("Request server stopped")
	return nil
}

// Close clears the running flag and closes the listener to unblock Accept.
func (s *Server) Close() error {
	s.running.Store(false)
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	buf := make([]byte, s.maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		s.logger.Debug("Request read failed", log.Any("remote_addr", conn.RemoteAddr()), log.Error(err))
		return
	}

	resp := s.Respond(ctx, buf[:n])
	body, err := envelope.Encode(resp)
	if err != nil {
		s.logger.Error("Response encode failed", log.Error(err))
		return
	}
	if _, err = conn.Write(body); err != nil {
		s.logger.Debug("Response write failed", log.Any("remote_addr", conn.RemoteAddr()), log.Error(err))
	}
}

// Respond turns one raw request into a response or error envelope. It never
// panics.
func (s *Server) Respond(ctx context.Context, raw []byte) (out envelope.Envelope) {
	req, err := ParseRequest(raw)
	if err != nil {
		s.recorder.Request("", "bad_request")
		s.logger.Warn("Malformed request", log.Error(err))
		return errorEnvelope(CodeBadRequest, err.Error())
	}

	s.mu.RLock()
	handler := s.handlers[req.RequestType]
	s.mu.RUnlock()
	if handler == nil {
		s.recorder.Request(req.RequestType, CodeUnknownRequest)
		s.logger.Warn("Unknown request type", log.String("request_type", req.RequestType))
		return errorEnvelope(CodeUnknownRequest, "Unknown request")
	}

	defer func() {
		if r := recover(); r != nil {
			s.recorder.Request(req.RequestType, CodeRequestFailed)
			s.logger.Error("Request handler panicked", log.String("request_type", req.RequestType),
				log.String("panic", fmt.Sprint(r)))
			out = errorEnvelope(CodeRequestFailed, "internal error")
		}
	}()

	resp, err := handler(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnknownRequest) {
			s.recorder.Request(req.RequestType, CodeUnknownRequest)
			return errorEnvelope(CodeUnknownRequest, "Unknown request")
		}
		s.recorder.Request(req.RequestType, CodeRequestFailed)
		s.logger.Warn("Request failed", log.String("request_type", req.RequestType),
			log.String("agent_id", req.AgentID), log.Error(err))
		return errorEnvelope(CodeRequestFailed, err.Error())
	}

	if resp.RequestType == "" {
		resp.RequestType = req.RequestType
	}
	if resp.AgentID == "" {
		resp.AgentID = req.AgentID
	}
	s.recorder.Request(req.RequestType, "ok")
	return envelope.New(resp)
}

func errorEnvelope(code, message string) envelope.Envelope {
	return envelope.New(envelope.Error{Code: code, Message: message})
}

// ParseRequest accepts either a plain token line ("get_position sphere_1")
// or a request envelope.
func ParseRequest(raw []byte) (envelope.Request, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return envelope.Request{}, fmt.Errorf("%w: empty", ErrBadRequest)
	}

	if raw[0] == '{' {
		env, err := envelope.Decode(raw)
		if err != nil {
			return envelope.Request{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		req, ok := env.Payload.(envelope.Request)
		if env.Kind != envelope.KindRequest || !ok {
			return envelope.Request{}, fmt.Errorf("%w: expected request envelope, got %s", ErrBadRequest, env.Kind)
		}
		if req.RequestType == "" {
			return envelope.Request{}, fmt.Errorf("%w: empty request type", ErrBadRequest)
		}
		if req.AgentID == "" {
			req.AgentID = env.AgentID
		}
		return req, nil
	}

	fields := strings.Fields(string(raw))
	req := envelope.Request{RequestType: fields[0]}
	if len(fields) > 1 {
		req.AgentID = fields[1]
	}
	return req, nil
}
