//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/liveobjects/internal/config"
	"github.com/zeusync/liveobjects/sdk/go/liveobjects"
)

func InitializeClient(ctx context.Context, cfg *config.Config) (*liveobjects.Client, error) {
	wire.Build(ProviderSet)
	return nil, nil
}
