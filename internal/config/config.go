// Package config loads chess-quant settings from an optional YAML file, a
// .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Every key maps to the upper-cased environment variable of the same name,
// e.g. stockfish_path reads STOCKFISH_PATH.
type AppConfig struct {
	Username string `mapstructure:"lichess_username"`

	StockfishPath  string        `mapstructure:"stockfish_path"`
	EngineDepth    int           `mapstructure:"engine_depth"`
	EngineThreads  int           `mapstructure:"engine_threads"`
	EngineHashMB   int           `mapstructure:"engine_hash_mb"`
	EngineCapacity int           `mapstructure:"engine_capacity"`
	PlyTimeout     time.Duration `mapstructure:"ply_timeout"`
	// RawSign keeps engine scores relative to the side to move.
	RawSign bool `mapstructure:"engine_raw_sign"`
	// OwnClock measures think time from the tracked player's clock only.
	OwnClock bool `mapstructure:"own_clock"`

	RedisURL     string `mapstructure:"redis_url"`
	DatabaseURL  string `mapstructure:"database_url"`
	CacheBackend string `mapstructure:"cache_backend"`
	CachePath    string `mapstructure:"cache_path"`

	LichessBaseURL  string `mapstructure:"lichess_base_url"`
	LichessToken    string `mapstructure:"lichess_token"`
	LichessMaxGames int    `mapstructure:"lichess_max_games"`

	TiltScoreURL string `mapstructure:"tilt_score_url"`
	TiltMinGames int    `mapstructure:"tilt_min_games"`

	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	SessionFreshness time.Duration `mapstructure:"session_freshness"`
	SessionGap       time.Duration `mapstructure:"session_gap"`
	Timezone         string        `mapstructure:"timezone"`

	MessagesDir string `mapstructure:"messages_dir"`
}

// dotenvFiles are loaded before the environment is read. Missing files are ignored.
var dotenvFiles = []string{".env"}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lichess_username", "")
	v.SetDefault("stockfish_path", "")
	v.SetDefault("engine_depth", DefaultEngineDepth)
	v.SetDefault("engine_threads", DefaultEngineThreads)
	v.SetDefault("engine_hash_mb", DefaultEngineHashMB)
	v.SetDefault("engine_capacity", DefaultEngineCapacity)
	v.SetDefault("ply_timeout", DefaultPlyTimeout)
	v.SetDefault("engine_raw_sign", false)
	v.SetDefault("own_clock", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("cache_backend", DefaultCacheBackend)
	v.SetDefault("cache_path", filepath.Join(DefaultConfigDir, DefaultCacheFile))
	v.SetDefault("lichess_base_url", DefaultLichessBaseURL)
	v.SetDefault("lichess_token", "")
	v.SetDefault("lichess_max_games", DefaultLichessMaxGames)
	v.SetDefault("tilt_score_url", "")
	v.SetDefault("tilt_min_games", DefaultTiltMinGames)
	v.SetDefault("sync_interval", DefaultSyncInterval)
	v.SetDefault("session_freshness", DefaultSessionFreshness)
	v.SetDefault("session_gap", DefaultSessionGap)
	v.SetDefault("timezone", "")
	v.SetDefault("messages_dir", "")
}

// Load reads cfgFile (or config.yaml under DefaultConfigDir) and overlays the
// environment. A missing config file is not an error.
func Load(cfgFile string) (*AppConfig, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(expandPath(cfgFile))
	} else {
		v.AddConfigPath(expandPath(DefaultConfigDir))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.trim()
	cfg.CachePath = expandPath(cfg.CachePath)
	cfg.MessagesDir = expandPath(cfg.MessagesDir)
	cfg.StockfishPath = expandPath(cfg.StockfishPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) trim() {
	for _, s := range []*string{
		&c.Username, &c.StockfishPath, &c.RedisURL, &c.DatabaseURL, &c.CacheBackend,
		&c.CachePath, &c.LichessBaseURL, &c.LichessToken, &c.TiltScoreURL,
		&c.Timezone, &c.MessagesDir,
	} {
		*s = strings.TrimSpace(*s)
	}
	c.CacheBackend = strings.ToLower(c.CacheBackend)
}

// Validate checks values every command depends on.
func (c *AppConfig) Validate() error {
	switch c.CacheBackend {
	case "memory", "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND %q is not one of memory, sqlite, redis", c.CacheBackend)
	}
	if c.EngineDepth <= 0 {
		return errors.New("ENGINE_DEPTH must be positive")
	}
	if c.EngineCapacity <= 0 {
		return errors.New("ENGINE_CAPACITY must be positive")
	}
	if c.PlyTimeout <= 0 {
		return errors.New("PLY_TIMEOUT must be positive")
	}
	if c.SessionFreshness <= 0 || c.SessionGap <= 0 {
		return errors.New("SESSION_FRESHNESS and SESSION_GAP must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// RequireEngine reports whether the engine can be started.
func (c *AppConfig) RequireEngine() error {
	if c.StockfishPath == "" {
		return errors.New("STOCKFISH_PATH is required")
	}
	return nil
}

// RequireUser reports whether a Lichess username is configured.
func (c *AppConfig) RequireUser() error {
	if c.Username == "" {
		return errors.New("LICHESS_USERNAME is required")
	}
	return nil
}

// Location resolves Timezone; empty means the local zone.
func (c *AppConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// ConfigDir returns the expanded configuration directory.
func ConfigDir() string {
	return expandPath(DefaultConfigDir)
}
