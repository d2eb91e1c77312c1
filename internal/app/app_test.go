package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/config"
	"github.com/park285/chess-quant/internal/repository"
	"github.com/park285/chess-quant/internal/tilt"
)

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "analyze", "games", "session", "tilt"} {
		assert.True(t, names[want], want)
	}
	for _, flag := range []string{"config", "user", "no-color", "json"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestNewScorer(t *testing.T) {
	logger := zap.NewNop()

	s := newScorer(&config.AppConfig{TiltMinGames: 4}, logger)
	assert.Equal(t, tilt.StreakScorer{MinGames: 4}, s)

	s = newScorer(&config.AppConfig{TiltMinGames: 3, TiltScoreURL: "http://tilt.local/api/py_tilt"}, logger)
	fb, ok := s.(tilt.FallbackScorer)
	require.True(t, ok)
	assert.IsType(t, &tilt.HTTPScorer{}, fb.Primary)
	assert.Equal(t, tilt.StreakScorer{MinGames: 3}, fb.Fallback)
}

func TestOpenRepositoryWithoutDatabase(t *testing.T) {
	repo, err := openRepository(context.Background(), &config.AppConfig{})
	require.NoError(t, err)
	assert.IsType(t, &repository.Memory{}, repo)
}

func TestWireOffline(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("LOG_TO_CONSOLE", "false")
	t.Setenv("DATABASE_URL", "")
	flagConfig = filepath.Join(t.TempDir(), "none.yaml")
	flagUser = "alice"
	t.Cleanup(func() { flagConfig, flagUser = "", "" })

	rt, err := wire(context.Background(), wireOptions{})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "alice", rt.cfg.Username)
	assert.Nil(t, rt.engine)
	assert.Empty(t, rt.queue.Games())

	session, err := rt.driver.Session(context.Background())
	require.NoError(t, err)
	assert.Empty(t, session)
}

func TestWireRequiresEngine(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("STOCKFISH_PATH", "")
	flagConfig = filepath.Join(t.TempDir(), "none.yaml")
	flagUser = "alice"
	t.Cleanup(func() { flagConfig, flagUser = "", "" })

	_, err := wire(context.Background(), wireOptions{engine: true})
	assert.ErrorContains(t, err, "STOCKFISH_PATH")
}

func TestWireRequiresUser(t *testing.T) {
	t.Setenv("LICHESS_USERNAME", "")
	flagConfig = filepath.Join(t.TempDir(), "none.yaml")
	t.Cleanup(func() { flagConfig = "" })

	_, err := wire(context.Background(), wireOptions{})
	assert.ErrorContains(t, err, "LICHESS_USERNAME")
}
