package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	// Target site
	DetailBaseURL string
	SchemaPath    string

	// Gate
	GateMaxAttempts     int
	ConfidenceThreshold float64

	// Traversal
	UnitMaxRetries     int
	CheckpointInterval int
	WorkerCount        int
	RequestTimeout     time.Duration

	// Tracker backend: "file" or "redis"
	TrackerBackend string

	TaskMaxRetries int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),

		DetailBaseURL: getenv("DETAIL_BASE_URL", "https://maharerait.maharashtra.gov.in/public/project/view/"),
		SchemaPath:    getenv("FIELD_SCHEMA_PATH", "./schema/project_fields.yaml"),

		GateMaxAttempts:     getenvInt("GATE_MAX_ATTEMPTS", 6),
		ConfidenceThreshold: getenvFloat("GATE_CONFIDENCE_THRESHOLD", 0.6),

		UnitMaxRetries:     getenvInt("UNIT_MAX_RETRIES", 3),
		CheckpointInterval: getenvInt("CHECKPOINT_INTERVAL", 10),
		WorkerCount:        getenvInt("WORKER_COUNT", 4),
		RequestTimeout:     getenvDuration("REQUEST_TIMEOUT", 60*time.Second),

		TrackerBackend: getenv("TRACKER_BACKEND", "redis"),

		TaskMaxRetries: getenvInt("TASK_MAX_RETRIES", 3),
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.GateMaxAttempts < 1 {
		panic(fmt.Errorf("GATE_MAX_ATTEMPTS must be >= 1"))
	}
	if cfg.WorkerCount < 1 {
		panic(fmt.Errorf("WORKER_COUNT must be >= 1"))
	}
	return cfg
}
