package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/mil-ad/hotspotd/internal/authz"
	"github.com/mil-ad/hotspotd/internal/logging"
	"github.com/mil-ad/hotspotd/internal/state"
)

var logger = logging.Module("daemon")

// ErrAuthorizationDenied is returned for start requests while the daemon
// lacks permission to change system network settings.
var ErrAuthorizationDenied = errors.New("not authorized to change system network settings; run `hotspotd authorize`")

// watchBuffer bounds how far a watch client may fall behind before it is
// disconnected.
const watchBuffer = 64

// Controller starts and stops monitoring.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
}

// Server answers IPC requests on a unix socket.
type Server struct {
	tracker    *state.Tracker
	authorizer authz.Authorizer
	host       Controller
	socket     string

	mu sync.Mutex // serializes control commands
}

// NewServer creates a server. Nothing is opened until Serve.
func NewServer(tracker *state.Tracker, authorizer authz.Authorizer, host Controller, socket string) *Server {
	return &Server{tracker: tracker, authorizer: authorizer, host: host, socket: socket}
}

// RefreshPermission re-queries the authorizer and records the result.
// A failed query counts as not authorized.
func (s *Server) RefreshPermission(ctx context.Context) bool {
	ok, err := s.authorizer.Check(ctx)
	if err != nil {
		logger.WithError(err).Warn("Authorization check failed")
		ok = false
	}
	s.tracker.SetPermission(ok)
	return ok
}

func (s *Server) respond(err error) Response {
	snap := s.tracker.Snapshot()
	resp := Response{Running: snap.Running, Authorized: snap.Authorized}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) start(ctx context.Context) error {
	if !s.RefreshPermission(ctx) {
		return ErrAuthorizationDenied
	}
	// Echo the user's intent right away; Start clears it again on failure.
	s.tracker.SetRunning(true)
	if err := s.host.Start(ctx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.Command == CmdAuthorize {
		return s.authorize(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Command {
	case CmdStatus:
		s.RefreshPermission(ctx)
		return s.respond(nil)

	case CmdStart:
		return s.respond(s.start(ctx))

	case CmdStop:
		return s.respond(s.host.Stop())

	case CmdToggle:
		if s.tracker.Running.Get() {
			return s.respond(s.host.Stop())
		}
		return s.respond(s.start(ctx))

	default:
		return s.respond(fmt.Errorf("unknown command: %q", req.Command))
	}
}

// authorize runs the interactive grant flow without holding mu, so other
// commands keep working while the prompt is open. ctx ends when the
// client hangs up, which abandons the prompt.
func (s *Server) authorize(ctx context.Context) Response {
	done := make(chan struct{})
	s.authorizer.Request(ctx, func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		return s.respond(ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshPermission(ctx)
	return s.respond(nil)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := Response{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	// Clients send nothing after the request, so a finished read means
	// the client went away.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	if req.Command == CmdWatch {
		s.watch(ctx, conn)
		return
	}

	resp := s.handleRequest(ctx, req)
	json.NewEncoder(conn).Encode(resp)
}

// watch streams a Response for the current state and then one per change
// until the client hangs up.
func (s *Server) watch(ctx context.Context, conn net.Conn) {
	updates := make(chan state.Snapshot, watchBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	cancel := s.tracker.Subscribe(func(snap state.Snapshot) {
		select {
		case updates <- snap:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer cancel()

	s.RefreshPermission(ctx)
	enc := json.NewEncoder(conn)
	if err := enc.Encode(s.respond(nil)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			logger.Warn("Watch client too slow, disconnecting")
			return
		case snap := <-updates:
			if err := enc.Encode(Response{Running: snap.Running, Authorized: snap.Authorized}); err != nil {
				return
			}
		}
	}
}

// Serve listens on the socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socket) // remove stale socket
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socket, err)
	}
	os.Chmod(s.socket, 0700)
	defer os.Remove(s.socket)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.WithField("socket", s.socket).Info("Listening")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown.
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}
