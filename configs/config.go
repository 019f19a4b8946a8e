package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted in CHATHUB_BACKEND.
const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendMemory    = "memory"
)

type Config struct {
	Backend        string
	Endpoints      []string
	EtcdPrefix     string
	SessionTimeout time.Duration
	DialTimeout    time.Duration

	APIPort string

	RedisAddr    string
	RedisChannel string

	HealthInterval time.Duration
	ResetOnStart   bool

	LogLevel    string
	LogEncoding string

	OTelEndpoint string
	OTelEnabled  bool
}

func LoadConfig() *Config {
	backend := getEnv("CHATHUB_BACKEND", BackendZooKeeper)
	return &Config{
		Backend:        backend,
		Endpoints:      getEnvAsList("CHATHUB_ENDPOINTS", defaultEndpoints(backend)),
		EtcdPrefix:     getEnv("CHATHUB_ETCD_PREFIX", "/chathub"),
		SessionTimeout: getEnvAsDuration("CHATHUB_SESSION_TIMEOUT", 10*time.Second),
		DialTimeout:    getEnvAsDuration("CHATHUB_DIAL_TIMEOUT", 5*time.Second),
		APIPort:        getEnv("CHATHUB_API_PORT", "8080"),
		RedisAddr:      getEnv("CHATHUB_REDIS_ADDR", ""),
		RedisChannel:   getEnv("CHATHUB_REDIS_CHANNEL", "chathub:events"),
		HealthInterval: getEnvAsDuration("CHATHUB_HEALTH_INTERVAL", 15*time.Second),
		ResetOnStart:   getEnvAsBool("CHATHUB_RESET_ON_START", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogEncoding:    getEnv("LOG_ENCODING", "json"),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4318"),
		OTelEnabled:    getEnvAsBool("OTEL_ENABLED", false),
	}
}

func defaultEndpoints(backend string) []string {
	switch backend {
	case BackendEtcd:
		return []string{"localhost:2379"}
	case BackendMemory:
		return []string{"mem-1", "mem-2", "mem-3"}
	default:
		return []string{"localhost:2181", "localhost:2182", "localhost:2183"}
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("10s") or plain seconds ("10").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	if seconds := getEnvAsInt(key, 0); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
