// Package connector implements the websocket connection to the remote bot:
// the shared Connection base, the Sender role that publishes game events,
// and the Listener role that accepts commands from the bot.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

var (
	// ErrNoHandle is returned by Send/Receive when no socket is held.
	ErrNoHandle = errors.New("no live bot connection")
	// ErrReceiveTimeout is returned by Receive when the read deadline expires.
	ErrReceiveTimeout = errors.New("receive timed out")
)

// State is the lifecycle of a connection handle.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateLive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	default:
		return "absent"
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// DefaultDialer returns the dialer used when none is supplied.
func DefaultDialer() Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
}

// Connection owns zero or one websocket to the bot for a single role.
// Retry policy is left to the owner.
type Connection struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	conn  *websocket.Conn
	state State
	// gen invalidates dials that were in flight when the handle was released.
	gen uint64

	role   string
	url    string
	header http.Header
	dialer Dialer
	logger zerolog.Logger
}

// NewConnection creates an absent connection for role ("bot" or
// "minecraft"). The endpoint is bot.URI with "/<role>" appended.
func NewConnection(role string, bot config.BotConfig, dialer Dialer) *Connection {
	if dialer == nil {
		dialer = DefaultDialer()
	}
	header := http.Header{}
	if bot.Name != "" {
		header.Set("name", bot.Name)
	}
	url := strings.TrimRight(bot.URI, "/") + "/" + role
	return &Connection{
		role:   role,
		url:    url,
		header: header,
		dialer: dialer,
		logger: log.With().
			Str("component", "connection").
			Str("role", role).
			Logger(),
	}
}

// Connect dials the bot. It reports failure through the result and the log,
// never through a panic.
func (c *Connection) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateLive {
		c.mu.Unlock()
		return true
	}
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateAbsent
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", c.url).Msg("failed to connect to bot")
		return false
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		c.logger.Debug().Msg("connection released while dialing, discarding socket")
		return false
	}
	c.conn = conn
	c.state = StateLive
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected to bot")
	return true
}

// Send writes one text frame.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNoHandle
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive blocks for one inbound frame. A zero timeout waits until the
// connection fails or ctx is cancelled.
func (c *Connection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNoHandle
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return data, nil
}

// Close releases the socket if one is held. Safe to call repeatedly.
func (c *Connection) Close() {
	if c.release() {
		c.logger.Info().Msg("disconnected from bot")
	}
}

// drop releases the handle after a detected failure.
func (c *Connection) drop() {
	if c.release() {
		c.logger.Debug().Msg("connection handle dropped")
	}
}

func (c *Connection) release() bool {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateAbsent
	c.gen++
	c.mu.Unlock()

	if conn == nil {
		return false
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing socket")
	}
	return true
}

func (c *Connection) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLive returns whether a socket is held.
func (c *Connection) IsLive() bool {
	return c.State() == StateLive
}

// URL returns the endpoint this connection dials.
func (c *Connection) URL() string {
	return c.url
}
