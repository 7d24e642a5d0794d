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
)

const (
	BackendRabbitMQ = "rabbitmq"
	BackendNATS     = "nats"
)

// defaultStops is the production stop list; order matters and duplicates are kept.
var defaultStops = []string{"5907", "66", "5427", "5428", "65", "5907", "1049", "2002"}

var errNoQueue = errors.New("queue connection parameters are missing (set RABBITMQ_URL or RABBITMQ_HOST)")

type AppConfig struct {
	AppEnv      string
	LogLevel    slog.Level
	HTTPTimeout time.Duration

	AEMETAPIKey    string
	AEMETStationID string
	AEMETBaseURL   string

	EMTClientID         string
	EMTPassword         string
	EMTLoginURL         string
	EMTBaseURL          string
	EMTStops            []string
	EMTBreakerThreshold int

	RetryMaxAttempts int
	RetryBackoffBase float64

	QueueBackend         string
	RabbitMQURL          string
	RabbitMQQueue        string
	NATSURL              string
	NATSStream           string
	NATSSubject          string
	PublishMaxRetries    int
	PublishRetryInterval time.Duration

	// MetricsTextfile, when set, receives the run metrics in prometheus text format.
	MetricsTextfile string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, using process environment", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	cfg.AppEnv = getenvDefault("APP_ENV", "dev")
	switch cfg.AppEnv {
	case "dev", "prod":
	default:
		return nil, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", cfg.AppEnv)
	}
	if cfg.LogLevel, err = parseLogLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.AEMETAPIKey = getenvDefault("AEMET_API_KEY", os.Getenv("API_KEY"))
	cfg.AEMETStationID = getenvDefault("AEMET_STATION_ID", "3195")
	cfg.AEMETBaseURL = getenvDefault("AEMET_BASE_URL", "https://opendata.aemet.es/opendata/api/observacion/convencional/datos/estacion")

	// EMT credentials are validated by the client so their absence is
	// reported as a startup failure of the transit side.
	cfg.EMTClientID = strings.TrimSpace(os.Getenv("EMT_CLIENT_ID"))
	cfg.EMTPassword = strings.TrimSpace(os.Getenv("EMT_PASSWORD"))
	cfg.EMTLoginURL = getenvDefault("EMT_LOGIN_URL", "https://datos.emtmadrid.es/v3/mobilitylabs/user/login/")
	cfg.EMTBaseURL = getenvDefault("EMT_BASE_URL", "https://openapi.emtmadrid.es/v2/transport/busemtmad/stops")
	cfg.EMTStops = splitList(os.Getenv("EMT_STOPS"), defaultStops)
	if cfg.EMTBreakerThreshold, err = getenvInt("EMT_BREAKER_THRESHOLD", 5); err != nil {
		return nil, err
	}

	if cfg.RetryMaxAttempts, err = getenvInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffBase, err = getenvFloat("RETRY_BACKOFF_BASE", 2.0); err != nil {
		return nil, err
	}

	cfg.QueueBackend = strings.ToLower(getenvDefault("QUEUE_BACKEND", BackendRabbitMQ))
	cfg.RabbitMQQueue = getenvDefault("RABBITMQ_QUEUE", "micola_queue")
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSStream = getenvDefault("NATS_STREAM", "ARRIVALS")
	cfg.NATSSubject = getenvDefault("NATS_SUBJECT", "arrivals.grouped")
	switch cfg.QueueBackend {
	case BackendRabbitMQ:
		if cfg.RabbitMQURL, err = rabbitMQURL(); err != nil {
			return nil, err
		}
	case BackendNATS:
	default:
		return nil, fmt.Errorf("invalid QUEUE_BACKEND %q (allowed: rabbitmq, nats)", cfg.QueueBackend)
	}
	if cfg.PublishMaxRetries, err = getenvInt("PUBLISH_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.PublishRetryInterval, err = getenvDuration("PUBLISH_RETRY_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}

	cfg.MetricsTextfile = strings.TrimSpace(os.Getenv("METRICS_TEXTFILE"))

	return cfg, nil
}

// rabbitMQURL prefers RABBITMQ_URL and otherwise assembles one from its parts.
func rabbitMQURL() (string, error) {
	if v := strings.TrimSpace(os.Getenv("RABBITMQ_URL")); v != "" {
		return v, nil
	}
	host := strings.TrimSpace(os.Getenv("RABBITMQ_HOST"))
	if host == "" {
		return "", errNoQueue
	}
	u := url.URL{
		Scheme: getenvDefault("RABBITMQ_SCHEME", "amqps"),
		Host:   host,
	}
	if user := os.Getenv("RABBITMQ_USER"); user != "" {
		u.User = url.UserPassword(user, os.Getenv("RABBITMQ_PASS"))
	}
	return u.String(), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func splitList(v string, def []string) []string {
	if strings.TrimSpace(v) == "" {
		return append([]string(nil), def...)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
