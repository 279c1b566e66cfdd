package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/liveobjects/internal/config"
	"github.com/zeusync/liveobjects/internal/injector"
	"github.com/zeusync/liveobjects/sdk/go/liveobjects"
)

const Version = "0.1.0"

const usage = `Inspect and poke the live objects of a channel.

Usage:
    objects-tail dump [options]
    objects-tail watch [options] [--metrics_addr=<addr>]
    objects-tail set <key> <value> [options]
    objects-tail incr <key> [<amount>] [options]
    objects-tail -h | --help
    objects-tail --version

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    -c --config=<path>           YAML configuration file.
    --endpoint=<endpoint>        Override the transport endpoint.
    --channel=<channel>          Override the channel name.
    --transport=<transport>      websocket or quic.
    --format=<format>            json or msgpack.
    --insecure                   Skip TLS verification (quic).
    --log_level=<level>          debug, info, warn or error.
    --metrics_addr=<addr>        Serve Prometheus metrics on addr while watching.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := opts.String("--config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if v, _ := opts.String("--endpoint"); v != "" {
		cfg.Transport.Endpoint = v
	}
	if v, _ := opts.String("--channel"); v != "" {
		cfg.Channel = v
	}
	if v, _ := opts.String("--transport"); v != "" {
		cfg.Transport.Kind = v
	}
	if v, _ := opts.String("--format"); v != "" {
		cfg.Transport.Format = v
	}
	if v, _ := opts.String("--log_level"); v != "" {
		cfg.Log.Level = v
	}
	if insecure, _ := opts.Bool("--insecure"); insecure {
		cfg.Transport.InsecureSkipVerify = true
	}
	if addr, _ := opts.String("--metrics_addr"); addr != "" {
		cfg.Metrics.Enabled = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, opts docopt.Opts) error {
	client, err := injector.InitializeClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	if err := client.Attach(ctx); err != nil {
		return err
	}
	root, err := client.GetRoot(ctx)
	if err != nil {
		return err
	}

	switch {
	case isCommand(opts, "dump"):
		return Render(os.Stdout, root)

	case isCommand(opts, "set"):
		key, _ := opts.String("<key>")
		raw, _ := opts.String("<value>")
		return root.Set(ctx, key, ParseValue(raw))

	case isCommand(opts, "incr"):
		key, _ := opts.String("<key>")
		amount := 1.0
		if raw, _ := opts.String("<amount>"); raw != "" {
			if amount, err = strconv.ParseFloat(raw, 64); err != nil {
				return fmt.Errorf("amount: %w", err)
			}
		}
		counter, ok, err := root.GetCounter(key)
		if err != nil {
			return err
		}
		if !ok {
			counter, err = client.CreateCounter(ctx, 0)
			if err != nil {
				return err
			}
			if err := root.Set(ctx, key, liveobjects.Ref(counter)); err != nil {
				return err
			}
		}
		return counter.Increment(ctx, amount)

	case isCommand(opts, "watch"):
		if addr, _ := opts.String("--metrics_addr"); addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() { _ = srv.ListenAndServe() }()
			defer srv.Close()
		}
		return watch(ctx, client, root, runErr)
	}
	return nil
}

func watch(ctx context.Context, client *liveobjects.Client, root *liveobjects.LiveMap, runErr <-chan error) error {
	if err := Render(os.Stdout, root); err != nil {
		return err
	}
	client.On(liveobjects.EventSyncing, func(liveobjects.SyncState) { fmt.Println("-- resyncing") })
	client.On(liveobjects.EventSynced, func(liveobjects.SyncState) {
		fmt.Println("-- synced")
		_ = Render(os.Stdout, root)
	})
	root.Subscribe(func(u liveobjects.MapUpdate) {
		for _, line := range DescribeUpdate(root, u) {
			fmt.Println(line)
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-runErr:
		return err
	}
}

func isCommand(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}
