package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	// Slot reservation tunables. SlotLockTimeoutMS bounds how long a
	// reservation waits on the contended row lock before giving up.
	SlotLockTimeoutMS int
	BookingWindowDays int
	MaxPartySize      int

	OutboxScanSec       int
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxBackoffBaseMS int
	OutboxBackoffCapMS  int
	TargetsConfigPath   string

	AvailabilityCacheTTLSec int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,

		OIDCIssuer:      strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:    strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:     strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		AuditEnabled: false,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		AsynqQueue:       "default",
		AsynqConcurrency: 10,

		SlotLockTimeoutMS: 0,
		BookingWindowDays: 90,
		MaxPartySize:      20,

		OutboxScanSec:       5,
		OutboxBatchSize:     50,
		OutboxMaxAttempts:   3,
		OutboxBackoffBaseMS: 5000,
		OutboxBackoffCapMS:  300000,
		TargetsConfigPath:   strings.TrimSpace(os.Getenv("TARGETS_CONFIG_PATH")),

		AvailabilityCacheTTLSec: 30,

		InfluxTimeoutMS: 5000,

		OtelEnabled:     false,
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.SlotLockTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "SLOT_LOCK_TIMEOUT_MS", Message: "SLOT_LOCK_TIMEOUT_MS is required and must be > 0"})
	}
	if cfg.BookingWindowDays <= 0 {
		problems = append(problems, Problem{Field: "BOOKING_WINDOW_DAYS", Message: "BOOKING_WINDOW_DAYS must be > 0"})
		cfg.BookingWindowDays = 90
	}
	if cfg.MaxPartySize <= 0 {
		problems = append(problems, Problem{Field: "MAX_PARTY_SIZE", Message: "MAX_PARTY_SIZE must be > 0"})
		cfg.MaxPartySize = 20
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 3
	}
	if cfg.OutboxBackoffBaseMS <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BACKOFF_BASE_MS", Message: "OUTBOX_BACKOFF_BASE_MS must be > 0"})
		cfg.OutboxBackoffBaseMS = 5000
	}
	if cfg.OutboxBackoffCapMS < cfg.OutboxBackoffBaseMS {
		problems = append(problems, Problem{Field: "OUTBOX_BACKOFF_CAP_MS", Message: "OUTBOX_BACKOFF_CAP_MS must be >= OUTBOX_BACKOFF_BASE_MS"})
		cfg.OutboxBackoffCapMS = cfg.OutboxBackoffBaseMS
	}
	if cfg.AvailabilityCacheTTLSec < 0 {
		problems = append(problems, Problem{Field: "AVAILABILITY_CACHE_TTL_SECONDS", Message: "AVAILABILITY_CACHE_TTL_SECONDS must be >= 0"})
		cfg.AvailabilityCacheTTLSec = 30
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

type intField struct {
	name string
	dst  *int
}

type stringField struct {
	name string
	dst  *string
	trim bool
}

type boolField struct {
	name string
	dst  *bool
}

func (c *Config) intFields() []intField {
	return []intField{
		{"REQUEST_TIMEOUT_MS", &c.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &c.JWKSTTLSeconds},
		{"JWT_CLOCK_SKEW_SECONDS", &c.JWTClockSkewSec},
		{"DB_MAX_CONNS", &c.DBMaxConns},
		{"DB_MIN_CONNS", &c.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &c.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &c.DBConnMaxLifeSec},
		{"KAFKA_RETRY_MAX", &c.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", &c.KafkaWriteMS},
		{"REDIS_DB", &c.RedisDB},
		{"ASYNQ_REDIS_DB", &c.AsynqRedisDB},
		{"ASYNQ_CONCURRENCY", &c.AsynqConcurrency},
		{"SLOT_LOCK_TIMEOUT_MS", &c.SlotLockTimeoutMS},
		{"BOOKING_WINDOW_DAYS", &c.BookingWindowDays},
		{"MAX_PARTY_SIZE", &c.MaxPartySize},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", &c.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", &c.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts},
		{"OUTBOX_BACKOFF_BASE_MS", &c.OutboxBackoffBaseMS},
		{"OUTBOX_BACKOFF_CAP_MS", &c.OutboxBackoffCapMS},
		{"AVAILABILITY_CACHE_TTL_SECONDS", &c.AvailabilityCacheTTLSec},
		{"INFLUX_TIMEOUT_MS", &c.InfluxTimeoutMS},
	}
}

func (c *Config) stringFields() []stringField {
	return []stringField{
		{"SERVICE_NAME", &c.ServiceName, true},
		{"LOG_LEVEL", &c.LogLevel, true},
		{"OIDC_ISSUER", &c.OIDCIssuer, true},
		{"OIDC_AUDIENCE", &c.OIDCAudience, true},
		{"OIDC_JWKS_URL", &c.OIDCJWKSURL, true},
		{"DATABASE_URL", &c.DatabaseURL, true},
		{"KAFKA_CLIENT_ID", &c.KafkaClientID, true},
		{"KAFKA_CONSUMER_GROUP", &c.KafkaGroupID, true},
		{"REDIS_ADDR", &c.RedisAddr, true},
		{"REDIS_PASSWORD", &c.RedisPassword, false},
		{"ASYNQ_REDIS_ADDR", &c.AsynqRedisAddr, true},
		{"ASYNQ_REDIS_PASSWORD", &c.AsynqRedisPass, false},
		{"ASYNQ_QUEUE", &c.AsynqQueue, true},
		{"TARGETS_CONFIG_PATH", &c.TargetsConfigPath, true},
		{"INFLUX_URL", &c.InfluxURL, true},
		{"INFLUX_TOKEN", &c.InfluxToken, false},
		{"INFLUX_ORG", &c.InfluxOrg, true},
		{"INFLUX_BUCKET", &c.InfluxBucket, true},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &c.OtelEndpoint, true},
	}
}

func (c *Config) boolFields() []boolField {
	return []boolField{
		{"AUDIT_ENABLED", &c.AuditEnabled},
		{"OTEL_ENABLED", &c.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_INSECURE", &c.OtelInsecure},
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	for _, f := range cfg.stringFields() {
		if v := os.Getenv(f.name); strings.TrimSpace(v) != "" {
			if f.trim {
				v = strings.TrimSpace(v)
			}
			*f.dst = v
		}
	}
	for _, f := range cfg.intFields() {
		if v := strings.TrimSpace(os.Getenv(f.name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				*problems = append(*problems, Problem{Field: f.name, Message: f.name + " must be an integer"})
			} else {
				*f.dst = n
			}
		}
	}
	for _, f := range cfg.boolFields() {
		if v := strings.TrimSpace(os.Getenv(f.name)); v != "" {
			if b, ok := asBool(v); ok {
				*f.dst = b
			} else {
				*problems = append(*problems, Problem{Field: f.name, Message: f.name + " must be a boolean"})
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	ints := map[string]*int{}
	for _, f := range cfg.intFields() {
		ints[f.name] = f.dst
	}
	strs := map[string]*string{}
	for _, f := range cfg.stringFields() {
		strs[f.name] = f.dst
	}
	bools := map[string]*bool{}
	for _, f := range cfg.boolFields() {
		bools[f.name] = f.dst
	}

	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		default:
			if dst, ok := strs[key]; ok {
				if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
					*dst = strings.TrimSpace(s)
				}
				continue
			}
			if dst, ok := ints[key]; ok {
				if n, isInt := asInt(v); isInt {
					*dst = n
				} else {
					*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
				}
				continue
			}
			if dst, ok := bools[key]; ok {
				switch t := v.(type) {
				case bool:
					*dst = t
				case string:
					if b, isBool := asBool(t); isBool {
						*dst = b
					} else {
						*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
					}
				default:
					*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
				}
			}
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
