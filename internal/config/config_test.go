package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOCKFISH_PATH", "")
	cfg, err := Load(missingFile(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultEngineDepth, cfg.EngineDepth)
	assert.Equal(t, DefaultPlyTimeout, cfg.PlyTimeout)
	assert.Equal(t, "sqlite", cfg.CacheBackend)
	assert.Equal(t, DefaultLichessBaseURL, cfg.LichessBaseURL)
	assert.Equal(t, 20, cfg.LichessMaxGames)
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.SessionFreshness)
	assert.Equal(t, 30*time.Minute, cfg.SessionGap)
	assert.NotContains(t, cfg.CachePath, "~", "cache path is expanded")
	assert.Error(t, cfg.RequireEngine())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lichess_username: alice
stockfish_path: /opt/stockfish
engine_depth: 14
ply_timeout: 2s
cache_backend: memory
session_gap: 45m
`), 0o644))
	t.Setenv("ENGINE_DEPTH", "18")
	t.Setenv("LICHESS_TOKEN", "  lip_secret  ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "/opt/stockfish", cfg.StockfishPath)
	assert.Equal(t, 18, cfg.EngineDepth, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.PlyTimeout)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, 45*time.Minute, cfg.SessionGap)
	assert.Equal(t, "lip_secret", cfg.LichessToken)
	assert.NoError(t, cfg.RequireEngine())
	assert.NoError(t, cfg.RequireUser())
}

func TestLoadDotenv(t *testing.T) {
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, []byte("TILT_SCORE_URL=http://tilt.local/api/py_tilt\n"), 0o644))
	prev := dotenvFiles
	dotenvFiles = []string{env}
	t.Cleanup(func() {
		dotenvFiles = prev
		_ = os.Unsetenv("TILT_SCORE_URL")
	})

	cfg, err := Load(missingFile(t))
	require.NoError(t, err)
	assert.Equal(t, "http://tilt.local/api/py_tilt", cfg.TiltScoreURL)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":     {"CACHE_BACKEND": "etcd"},
		"redis without url":   {"CACHE_BACKEND": "redis"},
		"zero depth":          {"ENGINE_DEPTH": "0"},
		"negative ply budget": {"PLY_TIMEOUT": "-1s"},
		"bad timezone":        {"TIMEZONE": "Mars/Olympus"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(missingFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine_depth: [\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	cfg := &AppConfig{Timezone: "Asia/Seoul"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())

	loc, err = (&AppConfig{}).Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}
