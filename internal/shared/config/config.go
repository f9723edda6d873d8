package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FCM transport modes.
const (
	FCMModeV1     = "v1"
	FCMModeSDK    = "sdk"
	FCMModeLegacy = "legacy"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	TLS       TLSConfig
	WebPush   WebPushConfig
	FCM       FCMConfig
	Expo      ExpoConfig
	Quote     QuoteConfig
	Worker    WorkerConfig
	Messages  MessagesConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool
}

type AuthConfig struct {
	JWTSecret      string
	ServiceKeyHash string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             int
	Urgency         string
}

// Enabled reports whether both VAPID keys are present.
func (c WebPushConfig) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type FCMConfig struct {
	Mode            string
	ServerKey       string
	LegacyEndpoint  string
	CredentialsFile string
	CredentialsJSON string
	ProjectID       string
	V1Endpoint      string
}

// Enabled reports whether the selected mode has the credentials it needs.
func (c FCMConfig) Enabled() bool {
	switch c.Mode {
	case FCMModeLegacy:
		return c.ServerKey != ""
	default:
		return c.CredentialsFile != "" || c.CredentialsJSON != ""
	}
}

type ExpoConfig struct {
	Enabled     bool
	Endpoint    string
	AccessToken string
}

type QuoteConfig struct {
	RequestCooldown time.Duration
	RequestTTL      time.Duration
	SweepInterval   time.Duration
}

type WorkerConfig struct {
	Count     int
	QueueSize int
}

type MessagesConfig struct {
	Path string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, is loaded first and never overrides real variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dbPort, err := getIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	webPushTTL, err := getIntEnv("WEBPUSH_TTL", 86400)
	if err != nil {
		return nil, err
	}
	workerCount, err := getIntEnv("WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	queueSize, err := getIntEnv("WORKER_QUEUE_SIZE", 100)
	if err != nil {
		return nil, err
	}
	cooldown, err := getDurationEnv("QUOTE_REQUEST_COOLDOWN", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	requestTTL, err := getDurationEnv("QUOTE_REQUEST_TTL", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDurationEnv("QUOTE_SWEEP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: splitList(getEnv("ALLOWED_HOSTS", "")),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        dbPort,
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			DBName:      getEnv("DB_NAME", "quotepush"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", true),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			ServiceKeyHash: getEnv("SERVICE_KEY_HASH", ""),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		WebPush: WebPushConfig{
			VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
			Subject:         getEnv("VAPID_SUBJECT", "mailto:push@quotepush.dev"),
			TTL:             webPushTTL,
			Urgency:         getEnv("WEBPUSH_URGENCY", "high"),
		},
		FCM: FCMConfig{
			Mode:            strings.ToLower(getEnv("FCM_MODE", FCMModeV1)),
			ServerKey:       getEnv("FCM_SERVER_KEY", ""),
			LegacyEndpoint:  getEnv("FCM_LEGACY_ENDPOINT", "https://fcm.googleapis.com/fcm/send"),
			CredentialsFile: getEnv("FCM_CREDENTIALS_FILE", ""),
			CredentialsJSON: getEnv("FCM_SERVICE_ACCOUNT", ""),
			ProjectID:       getEnv("FCM_PROJECT_ID", ""),
			V1Endpoint:      getEnv("FCM_V1_ENDPOINT", "https://fcm.googleapis.com/v1"),
		},
		Expo: ExpoConfig{
			Enabled:     getBoolEnv("EXPO_ENABLED", true),
			Endpoint:    getEnv("EXPO_PUSH_ENDPOINT", "https://exp.host/--/api/v2/push/send"),
			AccessToken: getEnv("EXPO_ACCESS_TOKEN", ""),
		},
		Quote: QuoteConfig{
			RequestCooldown: cooldown,
			RequestTTL:      requestTTL,
			SweepInterval:   sweepInterval,
		},
		Worker: WorkerConfig{
			Count:     workerCount,
			QueueSize: queueSize,
		},
		Messages: MessagesConfig{
			Path: getEnv("MESSAGES_PATH", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "quotepush-api"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9464"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	if (c.WebPush.VAPIDPublicKey == "") != (c.WebPush.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	switch c.FCM.Mode {
	case FCMModeV1, FCMModeSDK, FCMModeLegacy:
	default:
		return fmt.Errorf("FCM_MODE must be one of %q, %q, %q", FCMModeV1, FCMModeSDK, FCMModeLegacy)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	return nil
}

// ConnectionString renders a lib/pq keyword/value DSN. Empty settings are
// omitted so the driver falls back to its defaults.
func (c *DatabaseConfig) ConnectionString() string {
	pairs := []struct{ key, value string }{
		{"host", c.Host},
		{"port", strconv.Itoa(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.DBName},
		{"sslmode", c.SSLMode},
	}
	if c.Port == 0 {
		pairs[1].value = ""
	}

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`+"\t\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
