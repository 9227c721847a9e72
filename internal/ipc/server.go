package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Handler processes an IPC request and returns a response. ctx is cancelled
// when the client disconnects.
type Handler func(ctx context.Context, req *Request) *Response

var peerUIDFn = peerUID

// Server listens for IPC connections on a Unix socket.
type Server struct {
	socketPath string
	nonce      string
	handler    Handler
	logger     *slog.Logger
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a new IPC server.
func NewServer(socketPath, nonce string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		nonce:      nonce,
		handler:    handler,
		logger:     logger.With("component", "ipc"),
	}
}

// Start begins listening for connections. It removes any stale socket file first.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if err := s.authorize(conn); err != nil {
		s.logger.Warn("connection rejected", "error", err)
		writeResponse(conn, &Response{ExitCode: ExitInternal, Stderr: err.Error()})
		return
	}

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		writeResponse(conn, &Response{ExitCode: ExitInternal, Stderr: "invalid request"})
		return
	}
	if req.Nonce != s.nonce {
		writeResponse(conn, &Response{ExitCode: ExitInternal, Stderr: "nonce mismatch"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopWatch := watchDisconnect(conn, cancel)

	start := time.Now()
	resp := s.handler(ctx, &req)
	stopWatch()

	if resp == nil {
		resp = &Response{ExitCode: ExitInternal, Stderr: "no response"}
	}
	s.logger.Debug("request served",
		"type", req.Type,
		"session", req.SessionID,
		"exit_code", resp.ExitCode,
		"client_gone", ctx.Err() != nil,
		"duration", time.Since(start))
	writeResponse(conn, resp)
}

// authorize admits only peers running as the daemon's own user.
func (s *Server) authorize(conn net.Conn) error {
	uid, err := peerUIDFn(conn)
	if err != nil {
		return fmt.Errorf("peer uid check failed: %w", err)
	}
	if uid != uint32(os.Getuid()) {
		return fmt.Errorf("peer uid mismatch (uid %d)", uid)
	}
	return nil
}

// watchDisconnect cancels the request when the client hangs up. Clients send
// nothing after their request, so any read result means the peer went away.
// The returned func stops the watcher and restores the connection for writing.
func watchDisconnect(conn net.Conn, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [1]byte
		_, _ = conn.Read(buf[:])
		cancel()
	}()

	return func() {
		_ = conn.SetReadDeadline(time.Now())
		<-done
		_ = conn.SetReadDeadline(time.Time{})
	}
}

func writeResponse(conn net.Conn, resp *Response) {
	enc := json.NewEncoder(conn)
	enc.Encode(resp) //nolint: errcheck
}
