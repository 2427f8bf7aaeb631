package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/retry"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// app holds the wired engine for one process.
type app struct {
	cfg     *config.Config
	store   queue.Store
	client  remote.Client
	static  *network.StaticSource
	monitor *network.Monitor
	orch    *syncpkg.Orchestrator
	sched   *scheduler.Scheduler
	hub     *Hub
	redis   *redis.Client

	closers []func()
}

// openStore opens the durable queue under cfg.DataDir.
func openStore(cfg *config.Config) (*queue.SQLiteStore, error) {
	return queue.OpenSQLiteStore(cfg.DataDir, queue.Options{
		MaxSize:          cfg.Queue.MaxSize,
		CompressPayloads: cfg.Queue.CompressPayloads,
	})
}

// newOperatorApp wires an orchestrator without a remote for offline queue
// administration. Passes never start.
func newOperatorApp(cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	opts := syncpkg.OptionsFromConfig(cfg)
	opts.DisableAutoSync = true

	a := &app{cfg: cfg, store: store}
	a.closers = append(a.closers, func() { store.Close() })
	a.orch = syncpkg.New(store, nil, nil, nil, retry.SetFromConfig(cfg.Retry), opts)
	return a, nil
}

// newDaemonApp wires the full engine: remote, monitor, resolver, listeners
// and scheduler.
func newDaemonApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}
	a.closers = append(a.closers, func() { store.Close() })

	client, err := newRemoteClient(ctx, cfg.Remote)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = client
	if c, ok := client.(*remote.PostgresClient); ok {
		a.closers = append(a.closers, c.Close)
	}

	resolver, err := newResolver(cfg.Conflict)
	if err != nil {
		a.close()
		return nil, err
	}

	a.monitor, a.static, err = newMonitor(cfg.Network, cfg.Remote.Timeout)
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch = syncpkg.New(store, client, a.monitor, resolver, retry.SetFromConfig(cfg.Retry), syncpkg.OptionsFromConfig(cfg))

	a.hub = NewHub()
	listeners := []syncpkg.Listener{notify.LogListener{}, notify.NewEmitter(a.hub)}
	if cfg.Redis.URL != "" {
		rc, err := notify.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rc
		a.closers = append(a.closers, func() { rc.Close() })
		listeners = append(listeners, notify.NewEmitter(notify.NewRedisPublisher(rc, cfg.Redis.Channel)))
	}
	a.orch.SetListener(notify.NewMulti(listeners...))

	a.sched = scheduler.NewScheduler(a.orch, a.monitor, scheduler.FromConfig(cfg.Schedule))
	return a, nil
}

// start begins network polling and periodic sync.
func (a *app) start(ctx context.Context) {
	if a.orch != nil {
		if _, err := a.orch.RecoverOrphaned(ctx); err != nil {
			logging.Error("Startup recovery failed", err, nil)
		}
	}
	if a.hub != nil {
		a.hub.Start()
	}
	if a.monitor != nil {
		a.monitor.Start(ctx)
	}
	if a.sched != nil {
		a.sched.Start(ctx)
	}
}

// shutdown stops background work, drains the orchestrator and releases resources.
func (a *app) shutdown(ctx context.Context) error {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	var err error
	if a.orch != nil {
		err = a.orch.Shutdown(ctx)
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	a.close()
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// pushNetwork records a connectivity signal reported by the host.
func (a *app) pushNetwork(sig network.Signal) network.Info {
	if a.static != nil {
		a.static.Set(sig)
	}
	return a.orch.UpdateNetwork(sig)
}

func newRemoteClient(ctx context.Context, cfg config.RemoteConfig) (remote.Client, error) {
	switch cfg.Kind {
	case "postgres":
		pool, err := remote.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		client := remote.NewPostgresClient(pool, cfg.Timeout)
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("remote.base_url is required for the http remote")
		}
		return remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
			Role:      cfg.JWTRole,
			Timeout:   cfg.Timeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

func newResolver(cfg config.ConflictConfig) (*conflict.Resolver, error) {
	order, err := conflict.ParseOrder(cfg.Order)
	if err != nil {
		return nil, err
	}
	opts := []conflict.Option{conflict.WithOrder(order)}
	for table, fields := range cfg.PreferLocalFields {
		opts = append(opts, conflict.WithPreferLocalFields(table, fields...))
	}
	return conflict.NewResolver(opts...), nil
}

// newMonitor probes ProbeURL when set. Otherwise the link is assumed up with
// the configured type until the host pushes a signal.
func newMonitor(cfg config.NetworkConfig, timeout time.Duration) (*network.Monitor, *network.StaticSource, error) {
	typ, err := network.ParseType(cfg.ProbeType)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ProbeURL != "" {
		probe := network.NewHTTPProbe(cfg.ProbeURL, typ, timeout)
		probe.Metered = cfg.Metered
		logging.Info("Network probe configured", map[string]interface{}{
			"url":  cfg.ProbeURL,
			"type": string(typ),
		})
		return network.NewMonitor(probe, network.WithPollInterval(cfg.PollInterval)), nil, nil
	}
	static := network.NewStaticSource(network.Signal{
		Type:      typ,
		Connected: typ != network.TypeNone,
		Metered:   cfg.Metered,
		Strength:  network.UnknownStrength,
	})
	return network.NewMonitor(static, network.WithPollInterval(cfg.PollInterval)), static, nil
}
