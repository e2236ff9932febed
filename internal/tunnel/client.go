// Package tunnel keeps an outbound connection to a gateway and serves the
// local HTTP API through it, so a host behind NAT can be reached remotely.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// SecretHeader carries the pre-shared secret on the tunnel handshake.
const SecretHeader = "X-Gateway-Secret"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type Config struct {
	GatewayURL string // wss://gateway.example.com/tunnel
	Secret     string
	LocalAddr  string // e.g. 127.0.0.1:8800
	// InsecureSkipVerify accepts self-signed gateway certificates; the
	// secret still authenticates the connection.
	InsecureSkipVerify bool
}

// Client connects outbound to a gateway and multiplexes traffic via yamux.
// The gateway opens streams; each one is proxied to LocalAddr.
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer websocket.Dialer
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		},
	}
}

// Run serves tunnel traffic, reconnecting with exponential backoff, until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		c.logger.Warn("tunnel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// connect runs one tunnel session. connected reports whether the handshake
// succeeded.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set(SecretHeader, c.cfg.Secret)

	wsConn, _, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	session, err := yamux.Server(NewWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	c.logger.Info("tunnel connected", zap.String("gateway", c.cfg.GatewayURL))
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	for {
		stream, err := session.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("gateway closed the session")
			}
			return true, fmt.Errorf("accept stream: %w", err)
		}
		go c.handleStream(stream)
	}
}

func (c *Client) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", c.cfg.LocalAddr)
	if err != nil {
		c.logger.Warn("dial local", zap.String("addr", c.cfg.LocalAddr), zap.Error(err))
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		if tc, ok := local.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		close(done)
	}()
	io.Copy(stream, local)
	stream.Close()
	<-done
}
