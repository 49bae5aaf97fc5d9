// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Config is the engine's full configuration.
type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Redis   RedisConfig
	K8s     K8sConfig
	Log     LogConfig
	CORS    CORSConfig
	Rate    RateConfig
	Tracing TracingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// EngineConfig holds run engine policy.
type EngineConfig struct {
	// RunStore selects the backend: memory, redis or k8s.
	RunStore types.RunMode

	MaxConcurrentRuns        int
	MaxConcurrentNodesPerRun int

	EventRetentionEvents  int
	EventRetentionSeconds int

	NodeTimeoutSeconds  int
	SSEHeartbeatSeconds int
}

// RedisConfig holds Redis settings, used by the redis store and the
// queue driver.
type RedisConfig struct {
	URL string
}

// K8sConfig holds Kubernetes settings.
type K8sConfig struct {
	InCluster  bool
	Kubeconfig string
	Namespace  string
	JobImage   string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// CORSConfig holds allowed origins.
type CORSConfig struct {
	AllowedOrigins []string
}

// RateConfig holds the per-client HTTP rate limit.
type RateConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Service  string
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         envInt("PORT", 8081),
			ReadTimeout:  envDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: envDuration("SERVER_WRITE_TIMEOUT", 0), // 0: SSE streams stay open
			IdleTimeout:  envDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Engine: EngineConfig{
			RunStore:                 types.RunMode(envString("ORCH_RUNSTORE", "memory")),
			MaxConcurrentRuns:        envInt("ORCH_MAX_CONCURRENT_RUNS", 64),
			MaxConcurrentNodesPerRun: envInt("ORCH_MAX_CONCURRENT_NODES_PER_RUN", 4),
			EventRetentionEvents:     envInt("ORCH_EVENT_RETENTION_EVENTS", 500),
			EventRetentionSeconds:    envInt("ORCH_EVENT_RETENTION_SECONDS", 600),
			NodeTimeoutSeconds:       envInt("ORCH_NODE_TIMEOUT_SECONDS", 600),
			SSEHeartbeatSeconds:      envInt("ORCH_SSE_HEARTBEAT_SECONDS", 30),
		},
		Redis: RedisConfig{
			URL: envString("REDIS_URL", "redis://localhost:6379/0"),
		},
		K8s: K8sConfig{
			InCluster:  envBool("K8S_IN_CLUSTER", false),
			Kubeconfig: envString("KUBECONFIG", ""),
			Namespace:  envString("K8S_NAMESPACE", "mentatlab"),
			JobImage:   envString("K8S_JOB_IMAGE", ""),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Rate: RateConfig{
			RequestsPerSecond: envFloat("RATE_LIMIT_RPS", 50),
			Burst:             envInt("RATE_LIMIT_BURST", 100),
		},
		Tracing: TracingConfig{
			Enabled:  envBool("TRACING_ENABLED", false),
			Endpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Service:  envString("OTEL_SERVICE_NAME", "mentatlab-engine"),
		},
	}

	if !types.ValidMode(cfg.Engine.RunStore) {
		return nil, fmt.Errorf("invalid ORCH_RUNSTORE %q", cfg.Engine.RunStore)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Server.Port)
	}
	if cfg.Engine.MaxConcurrentRuns < 1 {
		return nil, fmt.Errorf("ORCH_MAX_CONCURRENT_RUNS must be positive")
	}
	if cfg.Engine.MaxConcurrentNodesPerRun < 1 {
		return nil, fmt.Errorf("ORCH_MAX_CONCURRENT_NODES_PER_RUN must be positive")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
