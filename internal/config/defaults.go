package config

import "time"

// DefaultConfigDir holds config.yaml and the default SQLite cache.
const DefaultConfigDir = "~/.config/chess-quant"

const DefaultConfigFile = "config.yaml"

const DefaultCacheFile = "cache.db"

const (
	DefaultEngineDepth    = 10
	DefaultEngineThreads  = 1
	DefaultEngineHashMB   = 16
	DefaultEngineCapacity = 1
	DefaultPlyTimeout     = 5 * time.Second

	DefaultCacheBackend = "sqlite"

	DefaultLichessBaseURL  = "https://lichess.org"
	DefaultLichessMaxGames = 20

	DefaultTiltMinGames = 3

	DefaultSyncInterval     = 2 * time.Minute
	DefaultSessionFreshness = 60 * time.Minute
	DefaultSessionGap       = 30 * time.Minute
)
