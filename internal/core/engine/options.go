package engine

import (
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects"
	"github.com/zeusync/liveobjects/internal/core/objects/objectid"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/observability/metrics"
)

const (
	DefaultGCInterval    = 5 * time.Minute
	DefaultGCGracePeriod = 24 * time.Hour
)

// GracePeriodMode says whether the server may override the GC grace period.
type GracePeriodMode uint8

const (
	// GracePeriodDynamic accepts the value advertised in CONNECTED.
	GracePeriodDynamic GracePeriodMode = iota
	// GracePeriodFixed ignores it.
	GracePeriodFixed
)

// ParseGracePeriodMode accepts "dynamic" (or "") and "fixed".
func ParseGracePeriodMode(s string) (GracePeriodMode, bool) {
	switch s {
	case "", "dynamic":
		return GracePeriodDynamic, true
	case "fixed":
		return GracePeriodFixed, true
	default:
		return GracePeriodDynamic, false
	}
}

func (m GracePeriodMode) String() string {
	if m == GracePeriodFixed {
		return "fixed"
	}
	return "dynamic"
}

type options struct {
	clock      objects.Clock
	logger     log.Log
	metrics    metrics.Recorder
	gcInterval time.Duration
	gcGrace    time.Duration
	graceMode  GracePeriodMode
	nonce      func() (string, error)
}

func defaultOptions() options {
	return options{
		clock:      objects.SystemClock{},
		logger:     log.Provide(),
		metrics:    (*metrics.Metrics)(nil),
		gcInterval: DefaultGCInterval,
		gcGrace:    DefaultGCGracePeriod,
		graceMode:  GracePeriodDynamic,
		nonce:      objectid.GenerateNonce,
	}
}

// Option configures an Engine.
type Option func(*options)

func WithClock(clock objects.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger log.Log) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithGC sets the collection interval and the grace period tombstones are
// kept for.
func WithGC(interval, grace time.Duration, mode GracePeriodMode) Option {
	return func(o *options) {
		if interval > 0 {
			o.gcInterval = interval
		}
		if grace > 0 {
			o.gcGrace = grace
		}
		o.graceMode = mode
	}
}

// WithNonceSource replaces the random nonce used for new object ids.
func WithNonceSource(fn func() (string, error)) Option {
	return func(o *options) { o.nonce = fn }
}
