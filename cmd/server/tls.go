package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/matst80/portmux/internal/obs"
)

// serverTLSConfig loads the relay certificate. With a CA file, client
// certificates presented by agents are verified against it; public clients
// without one are still served.
func serverTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		obs.Info("tls.client_ca", obs.Fields{"ca_file": cfg.TLSCAFile})
	}
	return tlsConfig, nil
}
