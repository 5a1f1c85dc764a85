package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/ratelimit"
	"github.com/matst80/portmux/internal/registry"
	"github.com/matst80/portmux/internal/relay"
	"github.com/matst80/portmux/internal/status"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	obs.EnableDebug(cfg.Debug)

	tracker, err := status.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("status tracker: %w", err)
	}
	limiter := ratelimit.New(cfg.rateLimits())
	chOpts := channel.DefaultOptions()
	chOpts.ReadLimit = channel.ReadLimitFor(cfg.MaxBodyBytes)
	hub := relay.NewHub(relay.Options{
		BaseDomain:     cfg.BaseDomain,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Limiter:        limiter,
		Tracker:        tracker,
		Channel:        chOpts,
	})
	reg := registry.New(registry.Options{ListenHost: cfg.TCPListenHost, Limiter: limiter})
	state := &serverState{hub: hub, reg: reg, tracker: tracker}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: relay.Handler(hub,
			&relay.NetHandler{Registry: reg, Tracker: tracker, Token: cfg.Token, Channel: chOpts},
			&relay.ExposeHandler{Registry: reg, PublicHost: cfg.PublicHost, Token: cfg.Token},
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSCertFile != "" {
		if srv.TLSConfig, err = serverTLSConfig(cfg); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler(state), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	obs.Info("server.start", obs.Fields{"addr": cfg.Addr, "metrics": cfg.MetricsAddr, "domain": cfg.BaseDomain, "tls": cfg.TLSCertFile != ""})
	g.Go(func() error {
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server: %w", err)
	})
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.StartSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		runLimiterCleanup(ctx, limiter, hub, reg, time.Minute)
		return nil
	})
	if rt, ok := tracker.(*status.RedisTracker); ok {
		defer rt.Close()
		g.Go(func() error {
			rt.StartMaintenance(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		state.closing.Store(true)
		hub.Shutdown()
		reg.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		_ = metrics.Shutdown(sctx)
		return nil
	})

	state.ready.Store(true)
	obs.Info("server.ready", obs.Fields{})
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

// runLimiterCleanup drops limiter state of tunnels that went away.
func runLimiterCleanup(ctx context.Context, limiter *ratelimit.RateLimiter, hub *relay.Hub, reg *registry.Registry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := make(map[string]bool)
			for _, id := range hub.Active() {
				active[id] = true
			}
			for _, id := range reg.Active() {
				active[id] = true
			}
			limiter.CleanupExpiredTunnels(active)
		}
	}
}
