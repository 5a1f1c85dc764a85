package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/matst80/portmux/internal/agent"
	"github.com/matst80/portmux/internal/proto"
	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL      string        `env:"SERVER" envDefault:"http://127.0.0.1:8080"`
	TunnelID       string        `env:"TUNNEL_ID"`
	Token          string        `env:"TOKEN"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LocalHTTPS     bool          `env:"LOCAL_HTTPS"`
	Retries        int           `env:"RETRIES" envDefault:"-1"`
	Debug          bool          `env:"DEBUG"`

	Kind      proto.TunnelKind
	LocalHost string
	LocalPort int
}

const usage = "usage: portmux [flags] [http|tcp] [host:]port"

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PORTMUX_"}); err != nil {
		return cfg, err
	}

	flags := pflag.NewFlagSet("portmux", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(flags.Output(), usage)
		flags.PrintDefaults()
	}
	flags.StringVarP(&cfg.ServerURL, "server", "s", cfg.ServerURL, "relay base URL")
	flags.StringVar(&cfg.TunnelID, "tunnel", cfg.TunnelID, "tunnel id (uuid); a random one when empty")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token presented to the relay")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "time limit for one local HTTP request")
	flags.BoolVar(&cfg.LocalHTTPS, "https", cfg.LocalHTTPS, "the local target speaks https/wss")
	flags.IntVar(&cfg.Retries, "retries", cfg.Retries, "reconnect attempts before giving up (-1 = forever)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	kind, host, port, err := parseTarget(flags.Args())
	if err != nil {
		return cfg, err
	}
	cfg.Kind, cfg.LocalHost, cfg.LocalPort = kind, host, port
	if cfg.TunnelID == "" {
		cfg.TunnelID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.TunnelID); err != nil {
		return cfg, fmt.Errorf("tunnel id %q: %w", cfg.TunnelID, err)
	}
	return cfg, nil
}

// parseTarget reads the positional [mode] [host:]port arguments.
func parseTarget(args []string) (proto.TunnelKind, string, int, error) {
	kind := proto.TunnelHTTP
	switch len(args) {
	case 1:
	case 2:
		switch strings.ToLower(args[0]) {
		case "http":
		case "tcp":
			kind = proto.TunnelTCP
		default:
			return "", "", 0, fmt.Errorf("unknown mode %q; %s", args[0], usage)
		}
		args = args[1:]
	default:
		return "", "", 0, errors.New(usage)
	}
	host, portStr := "127.0.0.1", args[0]
	if strings.Contains(portStr, ":") {
		h, p, err := net.SplitHostPort(portStr)
		if err != nil {
			return "", "", 0, fmt.Errorf("target %q: %w", args[0], err)
		}
		if h != "" {
			host = h
		}
		portStr = p
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return kind, host, port, nil
}

func (c Config) agentConfig() agent.Config {
	scheme := "http"
	if c.LocalHTTPS {
		scheme = "https"
	}
	return agent.Config{
		ServerURL:      c.ServerURL,
		TunnelID:       c.TunnelID,
		Kind:           c.Kind,
		Token:          c.Token,
		LocalScheme:    scheme,
		LocalHost:      c.LocalHost,
		LocalPort:      c.LocalPort,
		RequestTimeout: c.RequestTimeout,
		MaxRetryCount:  c.Retries,
	}
}
