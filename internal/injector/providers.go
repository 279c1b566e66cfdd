package injector

import (
	"context"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/liveobjects/internal/config"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/sdk/go/liveobjects"
)

// ProviderSet builds a connected client from a loaded configuration.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideRegisterer,
	ProvideClient,
)

func ProvideLogger(cfg *config.Config) log.Log {
	return log.New(cfg.LogLevel())
}

// ProvideRegisterer returns the default Prometheus registerer when metrics
// are enabled, nil otherwise.
func ProvideRegisterer(cfg *config.Config) prometheus.Registerer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultRegisterer
}

func ProvideClient(ctx context.Context, cfg *config.Config, logger log.Log, reg prometheus.Registerer) (*liveobjects.Client, error) {
	return liveobjects.Dial(ctx, cfg,
		liveobjects.WithLogger(logger),
		liveobjects.WithRegisterer(reg))
}
