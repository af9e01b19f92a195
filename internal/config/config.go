// Package config reads the board settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"taskboard/domain"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendTables = "tables"
)

type Config struct {
	ListenAddr string
	BoardID    string

	Backend          string
	ConnectionString string
	TasksTable       string
	TitlesTable      string
	ActionsTable     string
	UsersTable       string
	ActionsQueue     string
	SeedUsers        []domain.User

	RedisConnection string
	TasksCacheTTL   time.Duration
	SignalsChannel  string
	IdempotencyTTL  time.Duration

	ActionsLimit    int
	AnnounceOnWrite bool

	AuthMode      string
	Auth0Domain   string
	Auth0Audience string
	AuthSecret    string
	JWKSCacheTTL  time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads .env from the working directory when present, then the
// environment. Every invalid value is reported.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() (Config, error) {
	var r reader
	cfg := Config{
		ListenAddr: r.envString("LISTEN_ADDR", ":8080"),
		BoardID:    r.envString("BOARD_ID", "main-board"),

		Backend:          strings.ToLower(r.envString("STORE_BACKEND", BackendMemory)),
		ConnectionString: r.envString("STORAGE_CONNECTION_STRING", ""),
		TasksTable:       r.envString("TASKS_TABLE", "BoardTasks"),
		TitlesTable:      r.envString("TITLES_TABLE", "BoardTitles"),
		ActionsTable:     r.envString("ACTIONS_TABLE", "BoardActions"),
		UsersTable:       r.envString("USERS_TABLE", "BoardUsers"),
		ActionsQueue:     r.envString("ACTIONS_QUEUE", ""),

		RedisConnection: r.envString("REDIS_CONNECTION_STRING", ""),
		TasksCacheTTL:   r.envDur("TASKS_CACHE_TTL", 30*time.Second),
		SignalsChannel:  r.envString("SIGNALS_CHANNEL", "board-signals"),
		IdempotencyTTL:  r.envDur("DEDUPER_TTL", 24*time.Hour),

		ActionsLimit:    r.envInt("ACTIONS_LIMIT", 20),
		AnnounceOnWrite: r.envBool("ANNOUNCE_ON_WRITE", false),

		AuthMode:      strings.ToLower(r.envString("AUTH_MODE", "jwks")),
		Auth0Domain:   r.envString("AUTH0_DOMAIN", ""),
		Auth0Audience: r.envString("AUTH0_AUDIENCE", ""),
		AuthSecret:    r.envString("LOCAL_AUTH_SHARED_SECRET", ""),
		JWKSCacheTTL:  r.envDur("JWKS_CACHE_TTL", 15*time.Minute),

		LogLevel:      r.envString("LOG_LEVEL", "info"),
		LogFile:       r.envString("LOG_FILE", ""),
		LogMaxSizeMB:  r.envInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: r.envInt("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: r.envInt("LOG_MAX_AGE_DAYS", 28),
	}
	if r.envBool("DEBUG", false) {
		cfg.LogLevel = "debug"
	}
	users, err := ParseUsers(os.Getenv("SEED_USERS"))
	if err != nil {
		r.fail("SEED_USERS", err)
	}
	cfg.SeedUsers = users

	switch cfg.Backend {
	case BackendMemory:
	case BackendTables:
		if cfg.ConnectionString == "" {
			r.fail("STORAGE_CONNECTION_STRING", errors.New("required with the tables backend"))
		}
	default:
		r.fail("STORE_BACKEND", fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if cfg.ActionsQueue != "" && cfg.ConnectionString == "" {
		r.fail("STORAGE_CONNECTION_STRING", errors.New("required with ACTIONS_QUEUE"))
	}
	switch cfg.AuthMode {
	case "jwks":
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			r.fail("AUTH0_DOMAIN", errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE are required with jwks auth"))
		}
	case "hs256":
		if cfg.AuthSecret == "" {
			r.fail("LOCAL_AUTH_SHARED_SECRET", errors.New("required with hs256 auth"))
		}
	case "none":
	default:
		r.fail("AUTH_MODE", fmt.Errorf("unknown mode %q", cfg.AuthMode))
	}
	if cfg.ActionsLimit <= 0 {
		r.fail("ACTIONS_LIMIT", errors.New("must be greater than zero"))
	}
	if err := r.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseUsers reads "id:username[:email]" entries separated by commas.
func ParseUsers(raw string) ([]domain.User, error) {
	var out []domain.User
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("bad user %q, want id:username[:email]", item)
		}
		u := domain.User{ID: strings.TrimSpace(parts[0]), Username: strings.TrimSpace(parts[1])}
		if len(parts) == 3 {
			u.Email = strings.TrimSpace(parts[2])
		}
		if seen[u.ID] {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out, nil
}

// reader collects parse failures so Load can report all of them at once.
type reader struct {
	errs []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

func (r *reader) err() error { return errors.Join(r.errs...) }

func (r *reader) envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) envInt(key string, def int) int {
	v := r.envString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) envDur(key string, def time.Duration) time.Duration {
	v := r.envString(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	if d <= 0 {
		r.fail(key, errors.New("must be positive"))
		return def
	}
	return d
}

func (r *reader) envBool(key string, def bool) bool {
	v := r.envString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}
