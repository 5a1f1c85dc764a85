package main

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/matst80/portmux/internal/ratelimit"
	"github.com/spf13/pflag"
)

// Config holds all runtime configuration. Environment variables (PORTMUX_*,
// optionally from a .env file) set the defaults; flags override them.
type Config struct {
	Addr           string        `env:"ADDR" envDefault:":8080"`
	MetricsAddr    string        `env:"METRICS_ADDR" envDefault:":9100"`
	BaseDomain     string        `env:"DOMAIN"`
	PublicHost     string        `env:"PUBLIC_HOST" envDefault:"localhost"`
	TCPListenHost  string        `env:"TCP_LISTEN_HOST"`
	Token          string        `env:"TOKEN"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	MaxBodyBytes   int64         `env:"MAX_BODY_BYTES" envDefault:"10485760"`
	Debug          bool          `env:"DEBUG"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	GlobalConnRate int `env:"GLOBAL_CONN_RATE"`
	TunnelConnRate int `env:"TUNNEL_CONN_RATE"`
	GlobalReqRate  int `env:"GLOBAL_REQ_RATE"`
	TunnelReqRate  int `env:"TUNNEL_REQ_RATE"`
	RateBurst      int `env:"RATE_BURST" envDefault:"10"`

	TLSCertFile string `env:"TLS_CERT"`
	TLSKeyFile  string `env:"TLS_KEY"`
	TLSCAFile   string `env:"TLS_CA"`
}

const envPrefix = "PORTMUX_"

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, err
	}

	flags := pflag.NewFlagSet("portmux-server", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address for control endpoints and public ingress")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health and dashboard listen address")
	flags.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "base wildcard domain (e.g. example.com) for <tunnel>.<domain> routing")
	flags.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "host name reported for exposed TCP tunnels")
	flags.StringVar(&cfg.TCPListenHost, "tcp-listen-host", cfg.TCPListenHost, "interface public TCP listeners bind to")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "shared secret agents must present; empty disables the check")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "time limit for a tunneled HTTP request")
	flags.Int64Var(&cfg.MaxBodyBytes, "max-body", cfg.MaxBodyBytes, "maximum tunneled request body in bytes")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for tunnel status; empty keeps status in memory")
	flags.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	flags.IntVar(&cfg.GlobalConnRate, "global-conn-rate", cfg.GlobalConnRate, "accepted TCP connections per second across tunnels (0 = unlimited)")
	flags.IntVar(&cfg.TunnelConnRate, "tunnel-conn-rate", cfg.TunnelConnRate, "accepted TCP connections per second per tunnel (0 = unlimited)")
	flags.IntVar(&cfg.GlobalReqRate, "global-req-rate", cfg.GlobalReqRate, "HTTP requests per second across tunnels (0 = unlimited)")
	flags.IntVar(&cfg.TunnelReqRate, "tunnel-req-rate", cfg.TunnelReqRate, "HTTP requests per second per tunnel (0 = unlimited)")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "burst allowed by every rate limit")
	flags.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file; serves HTTPS when set with --tls-key")
	flags.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file")
	flags.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "CA file used to verify agent client certificates")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return cfg, errors.New("--tls-cert and --tls-key must be set together")
	}
	return cfg, nil
}

func (c Config) rateLimits() ratelimit.Config {
	return ratelimit.Config{
		GlobalConnRate:    c.GlobalConnRate,
		PerTunnelConnRate: c.TunnelConnRate,
		GlobalReqRate:     c.GlobalReqRate,
		PerTunnelReqRate:  c.TunnelReqRate,
		Burst:             c.RateBurst,
	}
}
