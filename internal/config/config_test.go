package config

import (
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.RunStore != types.ModeMemory {
		t.Fatalf("runstore = %s, want memory", cfg.Engine.RunStore)
	}
	if cfg.Engine.MaxConcurrentRuns != 64 || cfg.Engine.MaxConcurrentNodesPerRun != 4 {
		t.Fatalf("concurrency defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.EventRetentionEvents != 500 || cfg.Engine.EventRetentionSeconds != 600 {
		t.Fatalf("retention defaults = %+v", cfg.Engine)
	}
	if cfg.Server.Port != 8081 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ORCH_RUNSTORE", "redis")
	t.Setenv("ORCH_MAX_CONCURRENT_RUNS", "8")
	t.Setenv("ORCH_EVENT_RETENTION_EVENTS", "100")
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SERVER_READ_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.RunStore != types.ModeRedis {
		t.Fatalf("runstore = %s", cfg.Engine.RunStore)
	}
	if cfg.Engine.MaxConcurrentRuns != 8 || cfg.Engine.EventRetentionEvents != 100 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("cors = %+v", cfg.CORS)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ORCH_RUNSTORE", "floppy")
	if _, err := Load(); err == nil {
		t.Fatal("invalid runstore accepted")
	}
}
