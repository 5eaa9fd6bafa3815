package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

const (
	defaultMaxRequestsPerDay = 24 * 12
	defaultRetryAttempts     = 3
	defaultRetryTimeout      = 5 * time.Second
	defaultCycleTimeout      = 30 * time.Second
	defaultProbeTimeout      = 10 * time.Second
	defaultSetupRetry        = time.Minute
	defaultPort              = 8080
	defaultTopicPrefix       = "nettiego"
	defaultClientID          = "nettiego-watcher"
	defaultKafkaTopic        = "nettiego.state"
	defaultRedisTTL          = time.Hour
)

// ErrInvalidDevice marks a device configuration that cannot be polled.
var ErrInvalidDevice = errors.New("invalid device configuration")

// Config holds runtime configuration for the watcher service.
type Config struct {
	Devices []models.DeviceConfig

	MaxRequestsPerDay int
	RetryAttempts     int
	RetryTimeout      time.Duration
	CycleTimeout      time.Duration
	ProbeTimeout      time.Duration
	SetupRetry        time.Duration

	Port        int
	BearerToken string

	DatabaseURL string

	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string

	KafkaBrokers []string
	KafkaTopic   string

	RedisAddr     string
	RedisPassword string
	RedisTTL      time.Duration

	LogLevel slog.Level
	DryRun   bool
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		MaxRequestsPerDay: defaultMaxRequestsPerDay,
		RetryAttempts:     defaultRetryAttempts,
		RetryTimeout:      defaultRetryTimeout,
		CycleTimeout:      defaultCycleTimeout,
		ProbeTimeout:      defaultProbeTimeout,
		SetupRetry:        defaultSetupRetry,
		Port:              defaultPort,
		MQTTTopicPrefix:   defaultTopicPrefix,
		MQTTClientID:      defaultClientID,
		KafkaTopic:        defaultKafkaTopic,
		RedisTTL:          defaultRedisTTL,
		LogLevel:          slog.LevelInfo,
	}

	devices, err := ParseDevices(os.Getenv("NETTIEGO_DEVICES"))
	if err != nil {
		return cfg, fmt.Errorf("invalid NETTIEGO_DEVICES: %w", err)
	}
	cfg.Devices = devices

	if err := positiveInt("NETTIEGO_MAX_REQUESTS_PER_DAY", &cfg.MaxRequestsPerDay); err != nil {
		return cfg, err
	}
	if err := positiveInt("NETTIEGO_RETRY_ATTEMPTS", &cfg.RetryAttempts); err != nil {
		return cfg, err
	}
	for key, dst := range map[string]*time.Duration{
		"NETTIEGO_RETRY_TIMEOUT": &cfg.RetryTimeout,
		"NETTIEGO_CYCLE_TIMEOUT": &cfg.CycleTimeout,
		"NETTIEGO_PROBE_TIMEOUT": &cfg.ProbeTimeout,
		"NETTIEGO_SETUP_RETRY":   &cfg.SetupRetry,
		"REDIS_TTL":              &cfg.RedisTTL,
	} {
		if err := positiveDuration(key, dst); err != nil {
			return cfg, err
		}
	}

	if portStr := strings.TrimSpace(os.Getenv("PORT")); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := strings.TrimSpace(os.Getenv("API_PORT")); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}
	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.MQTTBroker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if v := strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX")); v != "" {
		cfg.MQTTTopicPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")); v != "" {
		cfg.MQTTClientID = v
	}

	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if v := strings.TrimSpace(os.Getenv("KAFKA_TOPIC")); v != "" {
		cfg.KafkaTopic = v
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	dryRun := strings.TrimSpace(os.Getenv("DRY_RUN"))
	cfg.DryRun = dryRun == "1" || strings.EqualFold(dryRun, "true")

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ParseDevices parses "name|url|lat|lon" entries separated by ";".
// Latitude and longitude are optional and default to 0.
func ParseDevices(raw string) ([]models.DeviceConfig, error) {
	var out []models.DeviceConfig
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 2 && len(parts) != 4 {
			return nil, fmt.Errorf("entry %q: want name|url or name|url|lat|lon", entry)
		}
		dev := models.DeviceConfig{
			Name:    strings.TrimSpace(parts[0]),
			BaseURL: strings.TrimSpace(parts[1]),
		}
		if dev.Name == "" {
			return nil, fmt.Errorf("entry %q: name is empty", entry)
		}
		if err := ValidateURL(dev.BaseURL); err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		if len(parts) == 4 {
			lat, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if err != nil {
				return nil, fmt.Errorf("entry %q: latitude: %w", entry, err)
			}
			lon, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err != nil {
				return nil, fmt.Errorf("entry %q: longitude: %w", entry, err)
			}
			dev.Latitude, dev.Longitude = lat, lon
		}
		key := strings.ToLower(dev.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate device name %q", dev.Name)
		}
		seen[key] = struct{}{}
		out = append(out, dev)
	}
	return out, nil
}

// ValidateURL accepts absolute http(s) URLs with a host. Errors wrap
// ErrInvalidDevice.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is empty", ErrInvalidDevice)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse url: %w", ErrInvalidDevice, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url %q: scheme must be http or https", ErrInvalidDevice, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q: host is empty", ErrInvalidDevice, raw)
	}
	return nil
}

func positiveInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("invalid %s: must be positive, got %d", key, n)
	}
	*dst = n
	return nil
}

func positiveDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive, got %s", key, d)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
