// Package repository keeps the server-side replica of raw games, their
// analysis status and the tilt history.
package repository

import (
	"context"
	"errors"

	"github.com/park285/chess-quant/internal/domain"
)

var ErrNotFound = errors.New("repository: game not found")

type Repository interface {
	// UpsertRawGames stores unseen games with status raw and returns how many
	// were new. Known games keep their status.
	UpsertRawGames(ctx context.Context, username string, games []domain.RawGame) (int, error)
	// RawGames lists every stored game, newest first.
	RawGames(ctx context.Context, username string) ([]domain.RawGame, error)
	// NextRaw returns the oldest game still in status raw, or nil.
	NextRaw(ctx context.Context, username string) (*domain.RawGame, error)
	// RequeueAnalyzing returns games stuck in status analyzing to raw and
	// reports how many moved.
	RequeueAnalyzing(ctx context.Context, username string) (int, error)
	Status(ctx context.Context, username, id string) (domain.AnalysisStatus, error)
	MarkStatus(ctx context.Context, username, id string, status domain.AnalysisStatus) error
	// SaveAnalysis stores the scorer output and marks the game analyzed.
	SaveAnalysis(ctx context.Context, username, id string, res domain.AnalysisResult) error

	SyncCursor(ctx context.Context, username string) (int64, error)
	SetSyncCursor(ctx context.Context, username string, since int64) error

	RecordTilt(ctx context.Context, rec domain.TiltRecord) (int64, error)
	TiltHistory(ctx context.Context, username string, limit int) ([]domain.TiltRecord, error)

	Close() error
}

const defaultHistoryLimit = 20
