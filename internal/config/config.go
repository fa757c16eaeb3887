package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the runtime configuration for the server and the CLI client.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	ListenAddr string

	// AdminUser and AdminPassword protect the stats and metrics endpoints.
	// An empty password disables them.
	AdminUser     string
	AdminPassword string

	// StoreBackend is one of "file", "kv" or "memory".
	StoreBackend string
	VisitorFile  string
	DatabaseURL  string

	MaxWeeklyRuns int
	WeekBoundary  string

	// RetentionDays is how long usage events are kept in a visitor's ledger.
	RetentionDays int

	// OpenAIKey is the shared default credential. If empty, the
	// default-key endpoint reports it as not configured.
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	// ServerURL and StateDir are used by the CLI client.
	ServerURL string
	StateDir  string
}

// MinRetentionDays is the shortest accepted retention window; shorter
// windows would drop usage that still counts this week.
const MinRetentionDays = 7

// Load reads configuration from environment variables and applies defaults.
// Invalid numbers fall back to their defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:    getenv("APP_LISTEN_ADDR", ":8080"),
		AdminUser:     getenv("APP_ADMIN_USER", "admin"),
		AdminPassword: os.Getenv("APP_ADMIN_PASSWORD"),
		StoreBackend:  getenv("APP_STORE_BACKEND", "file"),
		VisitorFile:   getenv("APP_VISITOR_FILE", "./visitor.json"),
		DatabaseURL:   os.Getenv("APP_DATABASE_URL"),
		MaxWeeklyRuns: 2,
		WeekBoundary:  getenv("APP_WEEK_BOUNDARY", "midnight"),
		RetentionDays: 7,
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ServerURL:     getenv("APP_SERVER_URL", "http://localhost:8080"),
		StateDir:      getenv("APP_STATE_DIR", defaultStateDir()),
	}

	if v := os.Getenv("APP_MAX_WEEKLY_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxWeeklyRuns = n
		}
	}
	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = max(days, MinRetentionDays)
		}
	}

	return cfg
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roamii"
	}
	return filepath.Join(home, ".roamii")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
