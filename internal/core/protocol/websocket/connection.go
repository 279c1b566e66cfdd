// Package websocket carries protocol frames over a WebSocket connection, one
// frame per WebSocket message: text messages for JSON, binary for MessagePack.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

var _ protocol.FrameConn = (*Connection)(nil)

// Config controls framing and timeouts.
type Config struct {
	Format           wire.Format
	MaxFrameSize     int64
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns JSON framing with a 64 KiB frame limit.
func DefaultConfig() Config {
	return Config{
		Format:           wire.FormatJSON,
		MaxFrameSize:     64 * 1024,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Connection is a protocol.FrameConn over a gorilla WebSocket.
type Connection struct {
	conn   *websocket.Conn
	config Config
	logger log.Log
	closed int32

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewConnection wraps an established WebSocket.
func NewConnection(conn *websocket.Conn, config Config, logger log.Log) *Connection {
	if logger == nil {
		logger = log.Provide()
	}
	if config.MaxFrameSize > 0 {
		conn.SetReadLimit(config.MaxFrameSize)
	}
	return &Connection{
		conn:   conn,
		config: config,
		logger: logger.With(log.String("transport", "websocket"), log.String("remote_addr", conn.RemoteAddr().String())),
	}
}

// Dial connects to a WebSocket endpoint.
func Dial(ctx context.Context, url string, config Config, logger log.Log) (*Connection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewConnection(conn, config, logger), nil
}

// Accept upgrades an HTTP request to a frame connection. It is the server
// side of Dial.
func Accept(w http.ResponseWriter, r *http.Request, config Config, logger log.Log) (*Connection, error) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrade")
	}
	return NewConnection(conn, config, logger), nil
}

func (c *Connection) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// ReadFrame blocks until a frame arrives or ctx is done.
func (c *Connection) ReadFrame(ctx context.Context) (*protocol.Message, error) {
	if c.isClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, protocol.NewProtocolError(protocol.ErrorCodeBadRequest, "read frame", protocol.ErrFrameTooLarge)
		}
		return nil, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return nil, errors.Wrapf(protocol.ErrMalformedMessage, "unsupported message type %d", messageType)
	}

	msg, err := protocol.Decode(data, c.config.Format)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Frame received",
		log.String("action", msg.Action.String()),
		log.Int("size", len(data)))
	return msg, nil
}

// WriteFrame encodes msg and sends it as a single WebSocket message.
func (c *Connection) WriteFrame(ctx context.Context, msg *protocol.Message) error {
	if c.isClosed() {
		return protocol.ErrConnectionClosed
	}

	data, err := protocol.Encode(msg, c.config.Format)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	if c.config.MaxFrameSize > 0 && int64(len(data)) > c.config.MaxFrameSize {
		return errors.Wrapf(protocol.ErrFrameTooLarge, "frame size %d exceeds limit %d", len(data), c.config.MaxFrameSize)
	}

	messageType := websocket.TextMessage
	if c.config.Format.Binary() {
		messageType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	c.logger.Debug("Frame sent",
		log.String("action", msg.Action.String()),
		log.Int("size", len(data)))
	return nil
}

// Close sends a close message and closes the socket.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
