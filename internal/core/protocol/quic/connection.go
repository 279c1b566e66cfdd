// Package quic carries protocol frames over a single bidirectional QUIC
// stream. Each frame is an 8-byte big-endian length followed by the encoded
// message.
package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

const headerSize = 8

var _ protocol.FrameConn = (*Connection)(nil)

// Config controls framing and the QUIC session.
type Config struct {
	Format          wire.Format
	MaxFrameSize    int64
	KeepAlivePeriod time.Duration
	MaxIdleTimeout  time.Duration
}

// DefaultConfig returns MessagePack framing with a 64 KiB frame limit.
func DefaultConfig() Config {
	return Config{
		Format:          wire.FormatMsgPack,
		MaxFrameSize:    64 * 1024,
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: c.KeepAlivePeriod,
		MaxIdleTimeout:  c.MaxIdleTimeout,
	}
}

// Connection is a protocol.FrameConn over one QUIC stream.
type Connection struct {
	conn   *quic.Conn
	stream *quic.Stream
	config Config
	logger log.Log
	closed int32

	writeMu sync.Mutex
}

func newConnection(conn *quic.Conn, stream *quic.Stream, config Config, logger log.Log) *Connection {
	if logger == nil {
		logger = log.Provide()
	}
	return &Connection{
		conn:   conn,
		stream: stream,
		config: config,
		logger: logger.With(
			log.String("transport", "quic"),
			log.String("remote_addr", conn.RemoteAddr().String())),
	}
}

// Dial opens a QUIC session to addr and the stream frames travel on.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config Config, logger log.Log) (*Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "failed to open stream")
		return nil, errors.Wrap(err, "open stream")
	}
	return newConnection(conn, stream, config, logger), nil
}

// Listener accepts frame connections. It is the server side of Dial.
type Listener struct {
	listener *quic.Listener
	config   Config
	logger   log.Log
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, tlsConfig *tls.Config, config Config, logger log.Log) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Listener{listener: ln, config: config, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.listener.Addr().String() }

// Accept waits for a session and its first stream. The stream becomes
// visible once the peer has written to it.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept session")
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "accept stream")
	}
	return newConnection(conn, stream, l.config, l.logger), nil
}

func (l *Listener) Close() error { return l.listener.Close() }

func (c *Connection) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// ReadFrame reads one length-prefixed frame.
func (c *Connection) ReadFrame(ctx context.Context) (*protocol.Message, error) {
	if c.isClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.stream, header); err != nil {
		return nil, c.readError(ctx, err, "failed to read frame header")
	}

	frameLength := binary.BigEndian.Uint64(header)
	if c.config.MaxFrameSize > 0 && frameLength > uint64(c.config.MaxFrameSize) {
		c.logger.Error("Frame too large",
			log.Uint64("frame_length", frameLength),
			log.Int64("max_size", c.config.MaxFrameSize))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeBadRequest, "read frame", protocol.ErrFrameTooLarge)
	}

	data := make([]byte, frameLength)
	if _, err := io.ReadFull(c.stream, data); err != nil {
		return nil, c.readError(ctx, err, "failed to read frame data")
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

func (c *Connection) readError(ctx context.Context, err error, message string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return protocol.ErrConnectionClosed
	}
	return errors.Wrap(err, message)
}

// WriteFrame writes msg as one length-prefixed frame.
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

	frame := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint64(frame, uint64(len(data)))
	copy(frame[headerSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(d)
	} else {
		_ = c.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := c.stream.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	c.logger.Debug("Frame sent",
		log.String("action", msg.Action.String()),
		log.Int("size", len(data)))
	return nil
}

// Close closes the stream and the session.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}
