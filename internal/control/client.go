package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/procinfo"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

const (
	requestTimeout   = 10 * time.Second
	subscriberBuffer = 1024
)

// ErrDisconnected is returned for requests on a client whose connection is
// gone.
var ErrDisconnected = errors.New("control connection closed")

// Client talks to a control Server and implements ptymgr.Host.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes
	logger *zap.Logger

	pendingMu sync.Mutex
	pending   map[string]chan Response

	subMu sync.Mutex
	subs  map[uint32]chan events.Event

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// Dial connects to the server listening on socketPath.
func Dial(socketPath string, logger *zap.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan Response),
		subs:    make(map[uint32]chan events.Event),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Disconnect closes the connection. Sessions stay alive on the server.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

func (c *Client) Create(opts ptymgr.Options) (uint32, error) {
	resp, err := c.callTimeout(Request{Command: cmdCreate, Rows: opts.Rows, Cols: opts.Cols, Dir: opts.Dir})
	if err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

func (c *Client) Write(id uint32, data []byte) error {
	_, err := c.callTimeout(Request{Command: cmdWrite, SessionID: id, Data: data})
	return err
}

func (c *Client) Resize(id uint32, rows, cols uint16) error {
	_, err := c.callTimeout(Request{Command: cmdResize, SessionID: id, Rows: rows, Cols: cols})
	return err
}

// Close closes session id on the server.
func (c *Client) Close(id uint32) error {
	_, err := c.callTimeout(Request{Command: cmdClose, SessionID: id})
	return err
}

// ForegroundProcess never fails; transport errors yield procinfo.Placeholder.
func (c *Client) ForegroundProcess(ctx context.Context, id uint32) string {
	resp, err := c.call(ctx, Request{Command: cmdForeground, SessionID: id})
	if err != nil || resp.Name == "" {
		return procinfo.Placeholder
	}
	return resp.Name
}

func (c *Client) List() []ptymgr.Info {
	resp, err := c.callTimeout(Request{Command: cmdList})
	if err != nil {
		c.logger.Debug("list failed", zap.Error(err))
		return nil
	}
	return resp.Sessions
}

func (c *Client) Info(id uint32) (ptymgr.Info, error) {
	resp, err := c.callTimeout(Request{Command: cmdList})
	if err != nil {
		return ptymgr.Info{}, err
	}
	for _, info := range resp.Sessions {
		if info.ID == id {
			return info, nil
		}
	}
	return ptymgr.Info{}, ptymgr.ErrSessionNotFound
}

// Subscribe returns the buffered output of session id and a channel of its
// later events. The channel is closed after the Ended event, on cancel, or
// when the connection drops. A slow reader loses output rather than
// stalling the connection.
func (c *Client) Subscribe(ctx context.Context, id uint32) (string, <-chan events.Event, func(), error) {
	ch := make(chan events.Event, subscriberBuffer)
	c.subMu.Lock()
	if old, ok := c.subs[id]; ok {
		close(old)
	}
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if cur, ok := c.subs[id]; ok && cur == ch {
			delete(c.subs, id)
			close(ch)
		}
	}

	resp, err := c.call(ctx, Request{Command: cmdSubscribe, SessionID: id})
	if err != nil {
		cancel()
		return "", nil, nil, err
	}
	return resp.Replay, ch, cancel, nil
}

func (c *Client) callTimeout(req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.call(ctx, req)
}

// call sends req and waits for its response. An error event becomes an
// error that matches the server's sentinel under errors.Is.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	req.ID = fmt.Sprintf("r%d", c.reqCounter.Add(1))

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := writeControl(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("%w: send %s: %w", ErrDisconnected, req.Command, err)
	}

	select {
	case resp := <-ch:
		if resp.Event == evtError {
			return resp, responseError(resp)
		}
		return resp, nil
	case <-c.closed:
		return Response{}, ErrDisconnected
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.Disconnect()
	defer c.closeSubscriptions()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("control read ended", zap.Error(err))
			}
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameOutput:
			c.handleOutputFrame(payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("bad control message", zap.Error(err))
		return
	}

	if resp.Event == evtEnded && resp.ID == "" {
		c.subMu.Lock()
		if ch, ok := c.subs[resp.SessionID]; ok {
			select {
			case ch <- events.Event{SessionID: resp.SessionID, Kind: events.Ended}:
			default:
			}
			close(ch)
			delete(c.subs, resp.SessionID)
		}
		c.subMu.Unlock()
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleOutputFrame(payload []byte) {
	id, text, err := parseOutput(payload)
	if err != nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[id]; ok {
		select {
		case ch <- events.Event{SessionID: id, Kind: events.Output, Data: text}:
		default:
		}
	}
}

func (c *Client) closeSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

var _ ptymgr.Host = (*Client)(nil)
