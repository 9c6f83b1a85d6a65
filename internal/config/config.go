// Package config reads the runtime settings from the environment and the cameras file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEngineCommand = "python3 -u python/engine.py"
	DefaultHTTPAddr      = ":8080"
	DefaultDatabaseURL   = "postgres://localhost:5432/overwatch"
)

type Config struct {
	Log      LogConfig
	Engine   EngineConfig
	Redis    RedisConfig
	HTTPAddr string `validate:"required"`
}

type LogConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn error"`
	Format string `validate:"omitempty,oneof=json console"`
}

type EngineConfig struct {
	Command string        `validate:"required"`
	Count   int           `validate:"gte=1,lte=32"`
	Timeout time.Duration `validate:"gt=0"`
	Dim     int           `validate:"gte=1"`
}

type RedisConfig struct {
	Addr   string // empty disables the detection stream
	Stream string
	MaxLen int64
}

var validate = validator.New()

// envInt reads a positive integer, falling back to defaultVal when unset or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load reads the OVERWATCH_* variables and validates them.
func Load() (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:  envString("OVERWATCH_LOG_LEVEL", "info"),
			Format: envString("OVERWATCH_LOG_FORMAT", "json"),
		},
		Engine: EngineConfig{
			Command: envString("OVERWATCH_ENGINE_CMD", DefaultEngineCommand),
			Count:   envInt("OVERWATCH_ENGINES", 2),
			Timeout: envDuration("OVERWATCH_ENGINE_TIMEOUT", 5*time.Second),
			Dim:     envInt("OVERWATCH_EMBEDDING_DIM", 128),
		},
		Redis: RedisConfig{
			Addr:   os.Getenv("OVERWATCH_REDIS_ADDR"),
			Stream: envString("OVERWATCH_REDIS_STREAM", "overwatch:detections"),
			MaxLen: int64(envInt("OVERWATCH_REDIS_MAXLEN", 10000)),
		},
		HTTPAddr: envString("OVERWATCH_HTTP_ADDR", DefaultHTTPAddr),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DatabaseURL returns flagValue if set, otherwise a URL assembled from the POSTGRES_*
// variables, otherwise the local default.
func DatabaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return DefaultDatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRES_PASSWORD"),
		host,
		envString("POSTGRES_PORT", "5432"),
		os.Getenv("POSTGRES_DB"),
	)
}

// CamerasFile is the YAML document read by `run --cameras`.
type CamerasFile struct {
	Cameras []types.CameraConfig `yaml:"cameras"`
}

// LoadCameras parses a cameras file. Zero fields are left for camera.Normalize to fill;
// only explicitly set values are checked here.
func LoadCameras(path string) ([]types.CameraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cameras file: %w", err)
	}
	return ParseCameras(data)
}

// ParseCameras parses the contents of a cameras file.
func ParseCameras(data []byte) ([]types.CameraConfig, error) {
	var f CamerasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing cameras file: %w", err)
	}

	seen := make(map[string]bool)
	for i, c := range f.Cameras {
		if c.Source == "" {
			return nil, fmt.Errorf("camera %d: source is required", i+1)
		}
		if c.Decimation < 0 || c.TargetFPS < 0 || c.ResizeFactor < 0 || c.ResizeFactor > 1 {
			return nil, fmt.Errorf("camera %d (%s): negative or out of range setting", i+1, c.Source)
		}
		if c.Kind != "" && c.Kind != types.CameraLocal && c.Kind != types.CameraRemote {
			return nil, fmt.Errorf("camera %d (%s): unknown kind %q", i+1, c.Source, c.Kind)
		}
		if c.ID != "" {
			if seen[c.ID] {
				return nil, fmt.Errorf("camera %d: duplicate id %q", i+1, c.ID)
			}
			seen[c.ID] = true
		}
	}
	return f.Cameras, nil
}
