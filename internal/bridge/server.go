package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"kbdmon/internal/keysym"
	"kbdmon/internal/logging"
	"kbdmon/internal/metrics"
)

// Handler classifies key events. *a11y.Monitor implements it.
type Handler interface {
	HandleKey(key keysym.Key, release bool, keycode uint16) bool
}

// maxLine bounds a request line, newline included.
const maxLine = 256

var errLineTooLong = errors.New("line too long")

// Server serves the line protocol on streams and on a Unix socket.
type Server struct {
	handler Handler
	logger  *logging.Logger
	metrics *metrics.MonitorMetrics

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	conns      map[net.Conn]struct{}

	// verifyPeer decides whether an accepted connection may be served.
	verifyPeer func(net.Conn) (bool, error)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a Server dispatching to h.
func NewServer(h Handler, logger *logging.Logger, m *metrics.MonitorMetrics) *Server {
	if logger == nil {
		logger = logging.Default().WithComponent("bridge")
	}
	if m == nil {
		m = metrics.NewMonitorMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: h,
		logger:  logger,
		metrics: m,
		conns:   make(map[net.Conn]struct{}),

		verifyPeer: VerifyPeerIsCurrentUser,

		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve answers requests read from r on w until r is exhausted. Responses
// are flushed after each request. A line longer than maxLine is discarded
// and answered with an error; serving continues with the next line.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	in := bufio.NewReaderSize(r, maxLine)
	out := bufio.NewWriter(w)

	for {
		line, err := in.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			rest := discardLine(in)
			if rest != nil && !errors.Is(rest, io.EOF) {
				return fmt.Errorf("read request: %w", rest)
			}
			s.metrics.BridgeErrors.Inc()
			s.logger.Debug("rejected bridge request", "error", errLineTooLong)
			if err := respond(out, FormatError(errLineTooLong)); err != nil {
				return err
			}
			if rest != nil {
				return nil
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read request: %w", err)
		}

		if len(line) > 0 {
			if resp, ok := s.answer(string(line)); ok {
				if err := respond(out, resp); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return nil
		}
	}
}

// answer returns the response to one request line. ok is false for lines
// that get no response.
func (s *Server) answer(line string) (resp string, ok bool) {
	req, ok, err := ParseRequest(line)
	if !ok {
		return "", false
	}
	if err != nil {
		s.metrics.BridgeErrors.Inc()
		s.logger.Debug("rejected bridge request", "error", err)
		return FormatError(err), true
	}
	return FormatResponse(s.handler.HandleKey(req.Keysym, req.Release, req.Keycode)), true
}

// discardLine consumes input up to and including the next newline.
func discardLine(in *bufio.Reader) error {
	for {
		_, err := in.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func respond(out *bufio.Writer, resp string) error {
	if _, err := out.WriteString(resp + "\n"); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}

// Listen starts accepting connections on a Unix socket at path. The socket
// is only reachable by the current user.
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.socketPath = path
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("bridge listening", "socket", path)
	return nil
}

// SocketPath returns the socket path, or "" before Listen.
func (s *Server) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// Listening reports whether the socket is accepting connections.
func (s *Server) Listening() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if ok, err := s.verifyPeer(conn); !ok {
			if err != nil {
				s.logger.Warn("rejected bridge connection", "error", err)
			} else {
				s.logger.Warn("rejected bridge connection from another user")
			}
			s.metrics.BridgeErrors.Inc()
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if err := s.Serve(conn, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("bridge connection ended", "error", err)
	}
}

// Stop closes the listener and every open connection, then removes the
// socket file.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	path := s.socketPath
	s.mu.Unlock()

	s.wg.Wait()
	if path != "" {
		os.Remove(path)
	}
	return nil
}
