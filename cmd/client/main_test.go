package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/matst80/portmux/internal/proto"
	"github.com/matst80/portmux/internal/relay"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		args []string
		kind proto.TunnelKind
		host string
		port int
		ok   bool
	}{
		{[]string{"3000"}, proto.TunnelHTTP, "127.0.0.1", 3000, true},
		{[]string{"http", "localhost:8080"}, proto.TunnelHTTP, "localhost", 8080, true},
		{[]string{"tcp", ":5432"}, proto.TunnelTCP, "127.0.0.1", 5432, true},
		{[]string{"udp", "53"}, "", "", 0, false},
		{[]string{"http", "0"}, "", "", 0, false},
		{nil, "", "", 0, false},
	}
	for _, tt := range tests {
		kind, host, port, err := parseTarget(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("%v: unexpected error state %v", tt.args, err)
			continue
		}
		if tt.ok && (kind != tt.kind || host != tt.host || port != tt.port) {
			t.Errorf("%v: got %s %s %d", tt.args, kind, host, port)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORTMUX_SERVER", "https://relay.example")
	cfg, err := loadConfig([]string{"--token", "tok", "tcp", "2222"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://relay.example" || cfg.Kind != proto.TunnelTCP || cfg.LocalPort != 2222 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if _, err := uuid.Parse(cfg.TunnelID); err != nil {
		t.Errorf("generated tunnel id %q is not a uuid", cfg.TunnelID)
	}
	ac := cfg.agentConfig()
	if ac.MaxRetryCount != -1 || ac.Token != "tok" || ac.ControlPath() != "/api/net-tunnel/"+cfg.TunnelID {
		t.Errorf("unexpected agent config %+v", ac)
	}

	if _, err := loadConfig([]string{"--tunnel", "not-a-uuid", "80"}); err == nil {
		t.Error("expected invalid tunnel id to fail")
	}
}

func TestExpose(t *testing.T) {
	id := uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/expose/tcp/"+id || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(relay.ExposeResponse{TunnelID: id, PublicHost: "relay.example", PublicPort: 40001})
	}))
	defer srv.Close()

	exp, err := expose(context.Background(), srv.Client(), Config{ServerURL: srv.URL + "/", TunnelID: id, Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if exp.PublicPort != 40001 || exp.PublicHost != "relay.example" {
		t.Errorf("unexpected response %+v", exp)
	}
	if _, err := expose(context.Background(), srv.Client(), Config{ServerURL: srv.URL, TunnelID: id}); err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected relay error, got %v", err)
	}
}
