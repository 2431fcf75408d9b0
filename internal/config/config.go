package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP         HTTPConfig
	Log          LogConfig
	Store        StoreConfig
	Auth         AuthConfig
	Dormancy     DormancyConfig
	Reminder     ReminderConfig
	Chat         ChatConfig
	AuditLogFile string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Backend          string
	File             string
	DatabaseURL      string
	MongoURI         string
	MongoDatabase    string
	MongoCollection  string
	Timeout          time.Duration
	MaxWriteAttempts int
}

type AuthConfig struct {
	BootstrapUsername string
	BootstrapPassword string
	PasswordHash      string
	PasswordCost      int
	TokenHashCost     int
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	CookieSecure      bool
}

type DormancyConfig struct {
	Threshold    time.Duration
	ScanInterval time.Duration
}

type ReminderConfig struct {
	Text           string
	WebhookURL     string
	WebhookTimeout time.Duration
}

type ChatConfig struct {
	MaxMessages  int
	IngestSecret string
}

const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Load reads the configuration from the environment. When CONFIG_FILE names
// a YAML file of KEY: value pairs, those values replace the built-in
// defaults; the environment still wins over the file.
func Load() (Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            src.get("HTTP_ADDR", ":8080"),
			ReadTimeout:     time.Duration(src.getInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:    time.Duration(src.getInt("HTTP_WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout: time.Duration(src.getInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
		},
		Log: LogConfig{
			Level:  strings.ToLower(src.get("LOG_LEVEL", "info")),
			Format: strings.ToLower(src.get("LOG_FORMAT", "json")),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(src.get("STORE_BACKEND", BackendFile)),
			File:             src.get("STORE_FILE", "./data/store.json"),
			DatabaseURL:      src.get("DATABASE_URL", ""),
			MongoURI:         src.get("MONGO_URI", ""),
			MongoDatabase:    src.get("MONGO_DATABASE", "salesdesk"),
			MongoCollection:  src.get("MONGO_COLLECTION", "documents"),
			Timeout:          src.getDuration("STORE_TIMEOUT", 5*time.Second),
			MaxWriteAttempts: src.getInt("STORE_MAX_WRITE_ATTEMPTS", 3),
		},
		Auth: AuthConfig{
			BootstrapUsername: src.get("AUTH_BOOTSTRAP_USERNAME", "admin"),
			BootstrapPassword: src.get("AUTH_BOOTSTRAP_PASSWORD", "admin123"),
			PasswordHash:      strings.ToLower(src.get("AUTH_PASSWORD_HASH", "bcrypt")),
			PasswordCost:      src.getInt("AUTH_PASSWORD_COST", 10),
			TokenHashCost:     src.getInt("AUTH_TOKEN_HASH_COST", 4),
			SessionTTL:        src.getDuration("AUTH_SESSION_TTL", time.Hour),
			SweepInterval:     src.getDuration("AUTH_SWEEP_INTERVAL", 10*time.Minute),
			CookieSecure:      src.getBool("AUTH_COOKIE_SECURE", false),
		},
		Dormancy: DormancyConfig{
			Threshold:    src.getDuration("DORMANCY_THRESHOLD", 30*time.Minute),
			ScanInterval: src.getDuration("DORMANCY_SCAN_INTERVAL", 5*time.Minute),
		},
		Reminder: ReminderConfig{
			Text:           src.get("REMINDER_TEXT", ""),
			WebhookURL:     src.get("REMINDER_WEBHOOK_URL", ""),
			WebhookTimeout: src.getDuration("REMINDER_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Chat: ChatConfig{
			MaxMessages:  src.getInt("CHAT_MAX_MESSAGES", 30),
			IngestSecret: src.get("CHAT_INGEST_SECRET", ""),
		},
		AuditLogFile: src.get("AUDIT_LOG_FILE", "./data/audit.log"),
	}

	if src.err != nil {
		return Config{}, src.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	switch cfg.Store.Backend {
	case BackendFile:
		if cfg.Store.File == "" {
			return fmt.Errorf("STORE_FILE must not be empty")
		}
	case BackendMemory:
	case BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case BackendMongo:
		if cfg.Store.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo store")
		}
		if cfg.Store.MongoDatabase == "" || cfg.Store.MongoCollection == "" {
			return fmt.Errorf("MONGO_DATABASE and MONGO_COLLECTION must not be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of file, memory, postgres, mongo")
	}
	if cfg.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if cfg.Store.MaxWriteAttempts <= 0 {
		return fmt.Errorf("STORE_MAX_WRITE_ATTEMPTS must be > 0")
	}

	if cfg.Auth.BootstrapUsername == "" {
		return fmt.Errorf("AUTH_BOOTSTRAP_USERNAME must not be empty")
	}
	if cfg.Auth.BootstrapPassword == "" {
		return fmt.Errorf("AUTH_BOOTSTRAP_PASSWORD must not be empty")
	}
	if cfg.Auth.PasswordHash != "bcrypt" && cfg.Auth.PasswordHash != "argon2id" {
		return fmt.Errorf("AUTH_PASSWORD_HASH must be bcrypt or argon2id")
	}
	if cfg.Auth.SessionTTL <= 0 {
		return fmt.Errorf("AUTH_SESSION_TTL must be > 0")
	}
	if cfg.Auth.SweepInterval < 0 {
		return fmt.Errorf("AUTH_SWEEP_INTERVAL must be >= 0")
	}

	if cfg.Dormancy.Threshold <= 0 {
		return fmt.Errorf("DORMANCY_THRESHOLD must be > 0")
	}
	if cfg.Dormancy.ScanInterval < 0 {
		return fmt.Errorf("DORMANCY_SCAN_INTERVAL must be >= 0")
	}
	if cfg.Chat.MaxMessages <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGES must be > 0")
	}
	if cfg.AuditLogFile == "" {
		return fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}
	return nil
}

// source resolves a key from the environment, then the config file, then
// the fallback. The first malformed duration or bool is kept in err.
type source struct {
	file map[string]string
	err  error
}

func (s *source) get(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	if val, ok := s.file[key]; ok && val != "" {
		return val
	}
	return fallback
}

func (s *source) getInt(key string, fallback int) int {
	val := s.get(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func (s *source) getDuration(key string, fallback time.Duration) time.Duration {
	val := s.get(key, "")
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		if s.err == nil {
			s.err = fmt.Errorf("%s: invalid duration %q", key, val)
		}
		return fallback
	}
	return d
}

func (s *source) getBool(key string, fallback bool) bool {
	val := s.get(key, "")
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		if s.err == nil {
			s.err = fmt.Errorf("%s: invalid bool %q", key, val)
		}
		return fallback
	}
	return b
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// readFile parses a flat YAML mapping. ${VAR} references are expanded from
// the environment before parsing.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := envRef.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}
