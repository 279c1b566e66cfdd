package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/observability/metrics"
)

// Channel is the client side of one attached channel over a FrameConn. It
// tracks the attach state, numbers outbound OBJECT frames and matches them
// to ACK/NACK, and forwards object traffic to a Handler.
type Channel struct {
	name    string
	conn    FrameConn
	logger  log.Log
	metrics metrics.Recorder
	now     func() time.Time

	mu            sync.Mutex
	handler       Handler
	state         ChannelState
	reason        error
	connectionID  string
	serverOffset  time.Duration
	nextSerial    int64
	pending       map[int64]chan error
	attachWaiters []chan error
	detachWaiters []chan error
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

func WithLogger(logger log.Log) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

func WithMetrics(m metrics.Recorder) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// WithClock replaces time.Now, used to estimate server time.
func WithClock(now func() time.Time) ChannelOption {
	return func(c *Channel) { c.now = now }
}

// NewChannel creates a channel named name on conn. Frames are not read until
// Run is called.
func NewChannel(name string, conn FrameConn, opts ...ChannelOption) *Channel {
	c := &Channel{
		name:    name,
		conn:    conn,
		logger:  log.Provide(),
		metrics: (*metrics.Metrics)(nil),
		now:     time.Now,
		pending: make(map[int64]chan error),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = (*metrics.Metrics)(nil)
	}
	c.logger = c.logger.With(log.String("component", "channel"), log.String("channel", name))
	return c
}

// SetHandler installs the receiver of object traffic.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is the id the server assigned in CONNECTED.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// ServerTime estimates the server clock from the offset observed in
// CONNECTED. Without one it is the local clock.
func (c *Channel) ServerTime() time.Time {
	c.mu.Lock()
	offset := c.serverOffset
	c.mu.Unlock()
	return c.now().Add(offset)
}

// Attach sends ATTACH and waits for ATTACHED.
func (c *Channel) Attach(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ChannelStateAttached:
		c.mu.Unlock()
		return nil
	case ChannelStateFailed:
		err := c.reason
		c.mu.Unlock()
		return err
	}
	c.state = ChannelStateAttaching
	waiter := make(chan error, 1)
	c.attachWaiters = append(c.attachWaiters, waiter)
	c.mu.Unlock()

	c.logger.Debug("Attaching")
	if err := c.conn.WriteFrame(ctx, &Message{Action: ActionAttach, ID: NewFrameID(), Channel: c.name}); err != nil {
		return WrapError(err, "send ATTACH")
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach sends DETACH and waits for DETACHED.
func (c *Channel) Detach(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ChannelStateDetached, ChannelStateInitialized:
		c.state = ChannelStateDetached
		c.mu.Unlock()
		return nil
	case ChannelStateFailed:
		err := c.reason
		c.mu.Unlock()
		return err
	}
	c.state = ChannelStateDetaching
	waiter := make(chan error, 1)
	c.detachWaiters = append(c.detachWaiters, waiter)
	c.mu.Unlock()

	c.logger.Debug("Detaching")
	if err := c.conn.WriteFrame(ctx, &Message{Action: ActionDetach, ID: NewFrameID(), Channel: c.name}); err != nil {
		return WrapError(err, "send DETACH")
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends msgs in one OBJECT frame and waits for the server to ACK or
// NACK it.
func (c *Channel) Publish(ctx context.Context, msgs []*wire.ObjectMessage) error {
	c.mu.Lock()
	if c.state != ChannelStateAttached && c.state != ChannelStateAttaching {
		state := c.state
		c.mu.Unlock()
		return InvalidStateError("publish", state)
	}
	serial := c.nextSerial
	c.nextSerial++
	done := make(chan error, 1)
	c.pending[serial] = done
	c.mu.Unlock()

	frame := &Message{
		Action:    ActionObject,
		ID:        NewFrameID(),
		Channel:   c.name,
		MsgSerial: &serial,
		State:     msgs,
	}
	if err := c.conn.WriteFrame(ctx, frame); err != nil {
		c.dropPending(serial)
		c.metrics.Published(false)
		return WrapError(err, "send OBJECT")
	}

	select {
	case err := <-done:
		c.metrics.Published(err == nil)
		return err
	case <-ctx.Done():
		c.dropPending(serial)
		c.metrics.Published(false)
		return ctx.Err()
	}
}

func (c *Channel) dropPending(serial int64) {
	c.mu.Lock()
	delete(c.pending, serial)
	c.mu.Unlock()
}

// Run reads frames until ctx is done or the connection fails. It returns nil
// on cancellation.
func (c *Channel) Run(ctx context.Context) error {
	for {
		msg, err := c.conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.fail(ChannelStateDetached, ErrConnectionClosed)
				return nil
			}
			c.logger.Error("Read failed", log.Error(err))
			c.fail(ChannelStateSuspended, WrapError(err, "connection lost"))
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg *Message) {
	c.metrics.FrameReceived(msg.Action.String())

	switch msg.Action {
	case ActionHeartbeat:
	case ActionConnected:
		c.onConnected(msg)
	case ActionAck:
		c.settle(msg, nil)
	case ActionNack:
		c.settle(msg, msg.Error.Err(ErrPublishRejected))
	case ActionError:
		if msg.Channel != "" && msg.Channel != c.name {
			return
		}
		err := msg.Error.Err(ErrChannelFailed)
		c.logger.Error("Channel error", log.Error(err))
		c.fail(ChannelStateFailed, err)
	case ActionAttached:
		c.onAttached(msg)
	case ActionDetached:
		c.onDetached(msg)
	case ActionObject:
		if h := c.currentHandler(); h != nil {
			h.HandleObjectMessages(msg.ObjectMessages())
		}
	case ActionObjectSync:
		if h := c.currentHandler(); h != nil {
			h.HandleSyncMessages(msg.ObjectMessages(), msg.SyncCursor())
		}
	default:
		c.logger.Debug("Ignoring frame", log.String("action", msg.Action.String()))
	}
}

func (c *Channel) currentHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		c.logger.Warn("Object frame received without handler; dropping")
	}
	return c.handler
}

func (c *Channel) onConnected(msg *Message) {
	c.mu.Lock()
	c.connectionID = msg.ConnectionID
	if msg.Timestamp != nil {
		c.serverOffset = time.UnixMilli(*msg.Timestamp).Sub(c.now())
	}
	handler := c.handler
	c.mu.Unlock()

	c.logger.Info("Connected", log.String("connection_id", msg.ConnectionID))
	if msg.ConnectionDetails != nil && msg.ConnectionDetails.ObjectsGCGracePeriod != nil && handler != nil {
		handler.SetGCGracePeriod(time.Duration(*msg.ConnectionDetails.ObjectsGCGracePeriod) * time.Millisecond)
	}
}

func (c *Channel) onAttached(msg *Message) {
	c.mu.Lock()
	c.state = ChannelStateAttached
	c.reason = nil
	waiters := c.attachWaiters
	c.attachWaiters = nil
	handler := c.handler
	c.mu.Unlock()

	hasObjects := msg.HasFlag(FlagHasObjects)
	c.logger.Info("Attached", log.Bool("has_objects", hasObjects))
	for _, w := range waiters {
		w <- nil
	}
	if handler != nil {
		handler.OnChannelAttached(hasObjects)
	}
}

func (c *Channel) onDetached(msg *Message) {
	reason := error(ErrChannelDetached)
	if msg.Error != nil {
		reason = msg.Error.Err(ErrChannelDetached)
	}

	c.mu.Lock()
	c.state = ChannelStateDetached
	c.reason = reason
	detach := c.detachWaiters
	attach := c.attachWaiters
	pending := c.pending
	c.detachWaiters = nil
	c.attachWaiters = nil
	c.pending = make(map[int64]chan error)
	c.mu.Unlock()

	c.logger.Info("Detached")
	for _, w := range detach {
		w <- nil
	}
	for _, w := range attach {
		w <- reason
	}
	for _, p := range pending {
		p <- reason
	}
}

// settle resolves the publishes acknowledged by msg.
func (c *Channel) settle(msg *Message, err error) {
	if msg.MsgSerial == nil {
		c.logger.Warn("ACK/NACK without msgSerial", log.String("action", msg.Action.String()))
		return
	}
	count := msg.Count
	if count <= 0 {
		count = 1
	}
	c.mu.Lock()
	var done []chan error
	for s := *msg.MsgSerial; s < *msg.MsgSerial+int64(count); s++ {
		if p, ok := c.pending[s]; ok {
			done = append(done, p)
			delete(c.pending, s)
		}
	}
	c.mu.Unlock()
	for _, p := range done {
		p <- err
	}
}

// fail moves the channel to state and rejects every waiter with err.
func (c *Channel) fail(state ChannelState, err error) {
	c.mu.Lock()
	if c.state == ChannelStateFailed && state != ChannelStateFailed {
		state = ChannelStateFailed
	}
	c.state = state
	c.reason = err
	waiters := append(c.attachWaiters, c.detachWaiters...)
	pending := c.pending
	c.attachWaiters = nil
	c.detachWaiters = nil
	c.pending = make(map[int64]chan error)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	for _, p := range pending {
		p <- err
	}
}

// IsStateError reports whether err came from a channel state check.
func IsStateError(err error) bool {
	return errors.Is(err, ErrChannelStateInvalid)
}
