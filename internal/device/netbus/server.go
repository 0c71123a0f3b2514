package netbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("netbus: server closed")

// Server exposes a device.Client on network connections.
type Server struct {
	backend device.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server answering requests with backend.
func NewServer(backend device.Client) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend:   backend,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	debug.Info("netbus: serving on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, ln)
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.ServeConn(conn)
	}
}

// ServeConn answers requests on conn until it closes. Requests on one
// connection are handled in order.
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	debug.Verbose("netbus: client %s connected", conn.RemoteAddr())
	reader := NewFrameReader(conn)
	writer := NewFrameWriter(conn)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				debug.Verbose("netbus: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var resp *Response
		req, err := DecodeRequest(payload)
		if err != nil {
			resp = &Response{ErrKind: errs.Kind(errs.ErrBadRequest), ErrMsg: err.Error()}
			// Best effort: recover the id so the client can match the answer.
			var partial Request
			if Unmarshal(payload, &partial) == nil {
				resp.ID = partial.ID
			}
		} else {
			resp = s.handle(req)
		}

		data, err := EncodeResponse(resp)
		if err != nil {
			debug.Errorf("netbus: encode response: %v", err)
			return
		}
		if err := writer.WriteFrame(data); err != nil {
			debug.Verbose("netbus: write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) handle(req *Request) *Response {
	ctx := s.ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp := &Response{ID: req.ID}
	var err error
	switch req.Op {
	case OpProperties:
		var props []device.Property
		props, err = s.backend.Properties(ctx, req.Device, req.Vector, req.Element)
		resp.Properties = toWireProperties(props)
	case OpSetProperty:
		err = s.backend.SetProperty(ctx, req.Device, req.Vector, req.Element, req.Value)
	case OpShoot:
		var frame device.RawFrame
		frame, err = s.backend.Shoot(ctx, req.Device, req.Seconds)
		if err == nil {
			resp.Frame = toWireFrame(frame)
		}
	}
	if err != nil {
		resp.Properties = nil
		resp.ErrKind = errs.Kind(err)
		if resp.ErrKind == "" {
			if errors.Is(err, context.DeadlineExceeded) {
				resp.ErrKind = errs.Kind(errs.ErrTimeout)
			} else {
				resp.ErrKind = errs.Kind(errs.ErrBackend)
			}
		}
		resp.ErrMsg = err.Error()
	}
	return resp
}

// Close stops the listeners, closes open connections, cancels running
// calls and waits for connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var firstErr error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return firstErr
}
