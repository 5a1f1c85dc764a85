package main

import (
	"sync/atomic"
	"time"

	"github.com/matst80/portmux/internal/registry"
	"github.com/matst80/portmux/internal/relay"
	"github.com/matst80/portmux/internal/status"
)

// serverState ties the relay components together for the metrics server.
type serverState struct {
	hub     *relay.Hub
	reg     *registry.Registry
	tracker status.Tracker

	ready   atomic.Bool
	closing atomic.Bool
}

func (s *serverState) isReady() bool { return s.ready.Load() && !s.closing.Load() }

// Stats represents current server stats for dashboards & API.
type Stats struct {
	HTTP   relay.Stats    `json:"http"`
	TCP    registry.Stats `json:"tcp"`
	Status status.Counts  `json:"status"`
	Now    string         `json:"now"`
}

func collectStats(s *serverState) Stats {
	return Stats{
		HTTP:   s.hub.Stats(),
		TCP:    s.reg.Stats(),
		Status: s.tracker.Counts(),
		Now:    time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"HTTPTunnels": s.HTTP.Attached,
		"TCPTunnels":  s.TCP.Exposed,
		"TCPAttached": s.TCP.Attached,
		"Connections": s.TCP.Connections,
		"Pending":     s.HTTP.Pending,
		"Connected":   s.Status.Connected,
		"Closed":      s.Status.Closed,
		"Timeouts":    s.HTTP.Timeouts,
	}
}
