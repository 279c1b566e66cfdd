// Package liveobjects is the public Go API for live maps and counters on a
// realtime channel.
//
// A Client owns one channel and its engine. Run must be running for frames
// to be read; mutations block until the service acknowledges them and become
// visible locally when the service echoes them back.
package liveobjects

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/liveobjects/internal/config"
	"github.com/zeusync/liveobjects/internal/core/engine"
	"github.com/zeusync/liveobjects/internal/core/objects"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/observability/metrics"
	"github.com/zeusync/liveobjects/internal/core/protocol"
	"github.com/zeusync/liveobjects/internal/core/protocol/quic"
	"github.com/zeusync/liveobjects/internal/core/protocol/websocket"
)

type (
	SyncState = engine.SyncState
	Event     = engine.Event
	Config    = config.Config
)

const (
	EventSyncing = engine.EventSyncing
	EventSynced  = engine.EventSynced
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger         log.Log
	registerer     prometheus.Registerer
	publishTimeout time.Duration
	engineOpts     []engine.Option
}

func WithLogger(logger log.Log) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.registerer = reg }
}

// WithPublishTimeout bounds mutations whose context has no deadline.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.publishTimeout = d }
}

// WithEngineOptions passes options through to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *clientOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// Client is one channel's live objects.
type Client struct {
	conn           protocol.FrameConn
	channel        *protocol.Channel
	engine         *engine.Engine
	logger         log.Log
	publishTimeout time.Duration
	closed         int32

	handlesMu sync.Mutex
	handles   map[string]Handle
}

// New wires a channel named name on conn to a new engine.
func New(conn protocol.FrameConn, name string, opts ...Option) (*Client, error) {
	o := clientOptions{logger: log.Provide()}
	for _, opt := range opts {
		opt(&o)
	}

	var recorder metrics.Recorder = (*metrics.Metrics)(nil)
	if o.registerer != nil {
		m, err := metrics.New(o.registerer, prometheus.Labels{"channel": name})
		if err != nil {
			return nil, err
		}
		recorder = m
	}

	channel := protocol.NewChannel(name, conn,
		protocol.WithLogger(o.logger),
		protocol.WithMetrics(recorder))

	engineOpts := append([]engine.Option{
		engine.WithLogger(o.logger.With(log.String("channel", name))),
		engine.WithMetrics(recorder),
	}, o.engineOpts...)
	e := engine.New(channel, engineOpts...)
	channel.SetHandler(e)

	return &Client{
		conn:           conn,
		channel:        channel,
		engine:         e,
		logger:         o.logger.With(log.String("component", "client"), log.String("channel", name)),
		publishTimeout: o.publishTimeout,
		handles:        make(map[string]Handle),
	}, nil
}

// Dial connects with the transport named in cfg.
func Dial(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.New(cfg.LogLevel())

	var conn protocol.FrameConn
	switch cfg.Transport.Kind {
	case config.TransportQUIC:
		qc := quic.DefaultConfig()
		qc.Format = cfg.WireFormat()
		qc.MaxFrameSize = cfg.Transport.MaxFrameSize
		c, err := quic.Dial(ctx, cfg.Transport.Endpoint, quic.ClientTLS(cfg.Transport.InsecureSkipVerify), qc, logger)
		if err != nil {
			return nil, protocol.WrapError(err, "dial quic")
		}
		conn = c
	default:
		wc := websocket.DefaultConfig()
		wc.Format = cfg.WireFormat()
		wc.MaxFrameSize = cfg.Transport.MaxFrameSize
		c, err := websocket.Dial(ctx, cfg.Transport.Endpoint, wc, logger)
		if err != nil {
			return nil, protocol.WrapError(err, "dial websocket")
		}
		conn = c
	}

	base := []Option{
		WithLogger(logger),
		WithPublishTimeout(cfg.PublishTimeout.Std()),
		WithEngineOptions(cfg.EngineOptions()...),
	}
	client, err := New(conn, cfg.Channel, append(base, opts...)...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// Run reads frames and collects garbage until ctx is done or the connection
// fails.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.channel.Run(gctx)
		if err != nil {
			c.logger.Error("Channel stopped", log.Error(err))
		}
		return err
	})
	g.Go(func() error { return c.engine.Run(gctx) })
	return g.Wait()
}

// Attach attaches the channel. Objects become readable once the sync that
// follows completes.
func (c *Client) Attach(ctx context.Context) error { return c.channel.Attach(ctx) }

func (c *Client) Detach(ctx context.Context) error { return c.channel.Detach(ctx) }

// Close closes the connection. Run returns shortly after.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.engine.OffAll()
	return c.conn.Close()
}

func (c *Client) ChannelState() protocol.ChannelState { return c.channel.State() }

func (c *Client) SyncState() SyncState { return c.engine.SyncState() }

// On subscribes to syncing/synced events.
func (c *Client) On(event Event, handler func(SyncState)) Subscription {
	return c.engine.On(event, func(s SyncState, _ Subscription) { handler(s) })
}

func (c *Client) Off(event Event) { c.engine.Off(event) }

func (c *Client) OffAll() { c.engine.OffAll() }

// GetRoot waits for the channel to be synced and returns the root map.
func (c *Client) GetRoot(ctx context.Context) (*LiveMap, error) {
	root, err := c.engine.GetRoot(ctx)
	if err != nil {
		return nil, err
	}
	h, _ := c.wrap(root).(*LiveMap)
	return h, nil
}

// CreateCounter creates a counter holding count.
func (c *Client) CreateCounter(ctx context.Context, count float64) (*LiveCounter, error) {
	ctx, cancel := c.publishContext(ctx)
	defer cancel()
	counter, err := c.engine.CreateCounter(ctx, count)
	if err != nil {
		return nil, err
	}
	h, _ := c.wrap(counter).(*LiveCounter)
	return h, nil
}

// CreateMap creates a map seeded with entries.
func (c *Client) CreateMap(ctx context.Context, entries map[string]Value) (*LiveMap, error) {
	ctx, cancel := c.publishContext(ctx)
	defer cancel()
	m, err := c.engine.CreateMap(ctx, entries)
	if err != nil {
		return nil, err
	}
	h, _ := c.wrap(m).(*LiveMap)
	return h, nil
}

// Digest is a hash of the visible state of every object, equal across
// converged replicas.
func (c *Client) Digest() uint64 { return c.engine.Digest() }

func (c *Client) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.publishTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.publishTimeout)
}

// wrap returns the handle for obj, the same one every time for as long as
// the pool keeps obj under its id.
func (c *Client) wrap(obj objects.Object) Handle {
	if obj == nil {
		return nil
	}
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	if h, ok := c.handles[obj.ID()]; ok && h.liveObject() == obj {
		return h
	}
	var h Handle
	switch o := obj.(type) {
	case *objects.Map:
		h = &LiveMap{client: c, m: o}
	case *objects.Counter:
		h = &LiveCounter{client: c, c: o}
	default:
		return nil
	}
	c.handles[obj.ID()] = h
	return h
}
