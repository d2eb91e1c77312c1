package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/chess-quant/internal/chess"
	"github.com/park285/chess-quant/internal/lichess"
)

// enginecheck verifies that the configured engine answers a search and,
// when LICHESS_USERNAME is set, that the game export is reachable.
func main() {
	_ = godotenv.Load()

	path := strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	if path == "" {
		log.Fatal("STOCKFISH_PATH is required")
	}

	engine, err := chess.NewEngine(chess.EngineConfig{BinaryPath: path, Capacity: 1, Depth: 12})
	if err != nil {
		log.Fatalf("engine init error: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := engine.Evaluate(ctx, "", []string{"e2e4", "e7e5", "g1f3"})
	if err != nil {
		log.Fatalf("engine search error: %v", err)
	}
	log.Printf("engine ok: cp=%d best=%s depth=%d took=%s", res.Centipawns, res.BestMove, res.Depth, res.Duration)

	user := strings.TrimSpace(os.Getenv("LICHESS_USERNAME"))
	if user == "" {
		log.Println("LICHESS_USERNAME not set; skipping game export check")
		return
	}
	client := lichess.New(os.Getenv("LICHESS_BASE_URL"), os.Getenv("LICHESS_TOKEN"), nil)
	opt := lichess.DefaultFetchOptions()
	opt.Max = 1

	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()
	got, err := client.FetchGames(fctx, user, opt)
	if err != nil {
		log.Printf("lichess error: %v", err)
		return
	}
	log.Printf("lichess ok: games=%d skipped=%d newest=%d", len(got.Games), got.Skipped, got.NewestAt)
}
