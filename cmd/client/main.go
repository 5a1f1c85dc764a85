package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/portmux/internal/agent"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
	"github.com/matst80/portmux/internal/registry"
	"github.com/matst80/portmux/internal/relay"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "portmux:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Kind {
	case proto.TunnelTCP:
		exp, err := expose(ctx, http.DefaultClient, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("tcp://%s -> %s:%d\n", registry.PublicAddr(exp.PublicHost, exp.PublicPort), cfg.LocalHost, cfg.LocalPort)
	default:
		fmt.Printf("%s -> %s:%d\n", publicURL(cfg), cfg.LocalHost, cfg.LocalPort)
	}
	obs.Info("client.start", obs.Fields{"tunnel": cfg.TunnelID, "kind": string(cfg.Kind), "server": cfg.ServerURL})

	return agent.New(cfg.agentConfig()).RunWithRetry(ctx)
}

// publicURL is the path-prefix address of an HTTP tunnel on the relay.
func publicURL(cfg Config) string {
	return strings.TrimRight(cfg.ServerURL, "/") + "/t/" + cfg.TunnelID + "/"
}

// expose asks the relay to open the public listener of a TCP tunnel.
func expose(ctx context.Context, client *http.Client, cfg Config) (*relay.ExposeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	u := strings.TrimRight(cfg.ServerURL, "/") + "/api/expose/tcp/" + cfg.TunnelID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("expose: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expose: relay answered %s", resp.Status)
	}
	var exp relay.ExposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exp); err != nil {
		return nil, fmt.Errorf("expose: %w", err)
	}
	return &exp, nil
}
