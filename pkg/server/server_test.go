package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/brainego/toolpolicy/pkg/policy"
)

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(nil, nil, nil, nil, nil); err == nil {
		t.Error("NewServer(nil engine) error = nil, want error")
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	_, err := NewServer(&Config{Listen: "0.0.0.0:8088"}, policy.NewEngine(nil), nil, nil, nil)
	if err == nil {
		t.Error("NewServer() error = nil, want TLS error")
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	s, err := NewServer(cfg, policy.NewEngine(nil), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Start(); err == nil {
		t.Error("second Start() error = nil, want error")
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.Addr() != "" {
		t.Errorf("Addr() after Stop = %q, want empty", s.Addr())
	}
}
