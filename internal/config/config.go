package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScanLockTTL   time.Duration
	ScanLockWait  time.Duration

	WaapiBaseURL  string
	WaapiInstance string
	WaapiToken    string
	WaapiTimeout  time.Duration

	NotifyPairDelay time.Duration
	NotifyThrottle  time.Duration
	NotifyNextLimit int
	SupportNumber   string

	StaffPasswordHash string
	StaffPassword     string
	SessionTTL        time.Duration

	FeedPollInterval time.Duration
	FeedBatchSize    int

	RateLimitPerMinute int
	RateLimitBurst     int

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	OTLPInsecure bool
	ReportTZ     string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            readInt("REDIS_DB", 0),
		ScanLockTTL:        readDurationMillis("SCAN_LOCK_TTL_MS", 2000),
		ScanLockWait:       readDurationMillis("SCAN_LOCK_WAIT_MS", 500),
		WaapiBaseURL:       readString("WAAPI_BASE_URL", "https://waapi.app/api/v1"),
		WaapiInstance:      os.Getenv("WAAPI_INSTANCE"),
		WaapiToken:         os.Getenv("WAAPI_TOKEN"),
		WaapiTimeout:       readDurationSeconds("WAAPI_TIMEOUT_SECONDS", 10),
		NotifyPairDelay:    readDurationMillis("NOTIFY_PAIR_DELAY_MS", 1000),
		NotifyThrottle:     readDurationMillis("NOTIFY_THROTTLE_MS", 2000),
		NotifyNextLimit:    readInt("NOTIFY_NEXT_LIMIT", 100),
		SupportNumber:      os.Getenv("SUPPORT_NUMBER"),
		StaffPasswordHash:  os.Getenv("STAFF_PASSWORD_HASH"),
		StaffPassword:      os.Getenv("STAFF_PASSWORD"),
		SessionTTL:         readDurationMinutes("SESSION_TTL_MINUTES", 720),
		FeedPollInterval:   readDurationSeconds("FEED_POLL_SECONDS", 1),
		FeedBatchSize:      readInt("FEED_BATCH_SIZE", 100),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogFormat:          readString("LOG_FORMAT", "json"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ReportTZ:           readString("REPORT_TZ", "America/Sao_Paulo"),
	}
}

// LoadArgs parses command line flags, loads the env file they name and then
// reads the environment. Flags win over the environment, which wins over
// the env file.
func LoadArgs(name string, args []string) (Config, error) {
	var envFile, port, logLevel string
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "path to a dotenv file")
	flagSet.StringVar(&port, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	cfg := Load()
	if port != "" {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
