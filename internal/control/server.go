// Package control serves the session host over a Unix domain socket so that
// local tools such as `ptyhost attach` can drive sessions without HTTP.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/events"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

// connWriter wraps a net.Conn with a mutex for safe concurrent writes.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *connWriter) writeOutput(sessionID uint32, text string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeOutput(cw.conn, sessionID, text)
}

// client is the server side of one connection.
type client struct {
	cw *connWriter

	mu   sync.Mutex
	subs map[uint32]func()
}

// Server accepts control connections on a Unix socket.
type Server struct {
	socketPath string
	listener   net.Listener
	host       ptymgr.Host
	bus        *events.Bus
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Listen binds socketPath, removing a stale socket left by a host that is
// no longer running.
func Listen(socketPath string, host ptymgr.Host, bus *events.Bus, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, logger); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return &Server{
		socketPath: socketPath,
		listener:   ln,
		host:       host,
		bus:        bus,
		logger:     logger,
		clients:    make(map[*client]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("control socket listening", zap.String("path", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := &client{cw: &connWriter{conn: conn}, subs: make(map[uint32]func())}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.clients[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

// Close stops accepting, drops every connection and removes the socket.
// Sessions are left to their owner.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	for c := range s.clients {
		c.cw.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(c *client) {
	defer s.wg.Done()
	defer func() {
		c.mu.Lock()
		for _, cancel := range c.subs {
			cancel()
		}
		c.subs = nil
		c.mu.Unlock()

		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.cw.conn.Close()
	}()

	reader := bufio.NewReader(c.cw.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return
		}
		if frameType != frameControl {
			s.logger.Debug("ignoring frame", zap.Uint8("type", frameType))
			continue
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("bad control message", zap.Error(err))
			continue
		}
		s.handleRequest(c, req)
	}
}

func (s *Server) handleRequest(c *client, req Request) {
	switch req.Command {
	case cmdPing:
		s.reply(c, Response{ID: req.ID, Event: evtPong})

	case cmdCreate:
		id, err := s.host.Create(ptymgr.Options{Rows: req.Rows, Cols: req.Cols, Dir: req.Dir})
		if err != nil {
			s.replyError(c, req, err)
			return
		}
		s.reply(c, Response{ID: req.ID, Event: evtCreated, SessionID: id})

	case cmdWrite:
		s.replyResult(c, req, s.host.Write(req.SessionID, req.Data))

	case cmdResize:
		s.replyResult(c, req, s.host.Resize(req.SessionID, req.Rows, req.Cols))

	case cmdClose:
		s.replyResult(c, req, s.host.Close(req.SessionID))

	case cmdForeground:
		// ps can take a while; keep reading this connection meanwhile.
		go func() {
			name := s.host.ForegroundProcess(context.Background(), req.SessionID)
			s.reply(c, Response{ID: req.ID, Event: evtForeground, SessionID: req.SessionID, Name: name})
		}()

	case cmdList:
		s.reply(c, Response{ID: req.ID, Event: evtList, Sessions: s.host.List()})

	case cmdSubscribe:
		s.handleSubscribe(c, req)

	default:
		s.replyError(c, req, fmt.Errorf("unknown command %q", req.Command))
	}
}

func (s *Server) handleSubscribe(c *client, req Request) {
	if _, err := s.host.Info(req.SessionID); err != nil {
		s.replyError(c, req, err)
		return
	}
	c.unsubscribe(req.SessionID)

	replay, ch, cancel := s.bus.Subscribe(req.SessionID)
	c.mu.Lock()
	c.subs[req.SessionID] = cancel
	c.mu.Unlock()

	// The acknowledgement goes out before any forwarded output.
	s.reply(c, Response{ID: req.ID, Event: evtSubscribed, SessionID: req.SessionID, Replay: replay})

	go func() {
		for ev := range ch {
			var err error
			switch ev.Kind {
			case events.Output:
				err = c.cw.writeOutput(ev.SessionID, ev.Data)
			case events.Ended:
				err = c.cw.writeControl(Response{Event: evtEnded, SessionID: ev.SessionID})
			}
			if err != nil {
				return
			}
		}
	}()
}

func (c *client) unsubscribe(id uint32) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) reply(c *client, resp Response) {
	if err := c.cw.writeControl(resp); err != nil {
		s.logger.Debug("reply failed", zap.String("event", resp.Event), zap.Error(err))
	}
}

func (s *Server) replyResult(c *client, req Request, err error) {
	if err != nil {
		s.replyError(c, req, err)
		return
	}
	s.reply(c, Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})
}

func (s *Server) replyError(c *client, req Request, err error) {
	s.reply(c, Response{
		ID:        req.ID,
		Event:     evtError,
		SessionID: req.SessionID,
		Code:      errorCode(err),
		Error:     err.Error(),
	})
}

// cleanStaleSocket removes socketPath unless another host is accepting on it.
func cleanStaleSocket(socketPath string, logger *zap.Logger) error {
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("control socket %s is in use by a running host", socketPath)
	}

	logger.Info("removing stale control socket", zap.String("path", socketPath))
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
