package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/chess-quant/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

// Open connects to databaseURL and pings it.
func Open(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (r *Postgres) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Migrate applies the embedded migrations in file name order, skipping those
// already recorded in schema_migrations.
func (r *Postgres) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func userKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func (r *Postgres) UpsertRawGames(ctx context.Context, username string, games []domain.RawGame) (int, error) {
	if len(games) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_games (username, id, created_at, payload, status)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (username, id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	user := userKey(username)
	for _, g := range games {
		if g.ID == "" {
			continue
		}
		payload, err := json.Marshal(g)
		if err != nil {
			return 0, fmt.Errorf("marshal game %s: %w", g.ID, err)
		}
		res, err := stmt.ExecContext(ctx, user, g.ID, g.CreatedAt, payload, string(domain.StatusRaw))
		if err != nil {
			return 0, fmt.Errorf("insert game %s: %w", g.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *Postgres) RawGames(ctx context.Context, username string) ([]domain.RawGame, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM raw_games
		WHERE username = $1
		ORDER BY created_at DESC`, userKey(username))
	if err != nil {
		return nil, fmt.Errorf("select raw games: %w", err)
	}
	defer rows.Close()

	var games []domain.RawGame
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var g domain.RawGame
		if err := json.Unmarshal(payload, &g); err != nil {
			return nil, fmt.Errorf("decode raw game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

func (r *Postgres) NextRaw(ctx context.Context, username string) (*domain.RawGame, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT payload FROM raw_games
		WHERE username = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, userKey(username), string(domain.StatusRaw)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next raw: %w", err)
	}
	var g domain.RawGame
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("decode raw game: %w", err)
	}
	return &g, nil
}

func (r *Postgres) RequeueAnalyzing(ctx context.Context, username string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE raw_games SET status = $2, updated_at = now()
		WHERE username = $1 AND status = $3`,
		userKey(username), string(domain.StatusRaw), string(domain.StatusAnalyzing))
	if err != nil {
		return 0, fmt.Errorf("requeue analyzing: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Postgres) Status(ctx context.Context, username, id string) (domain.AnalysisStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM raw_games WHERE username = $1 AND id = $2`, userKey(username), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.AnalysisStatus(status), nil
}

func (r *Postgres) MarkStatus(ctx context.Context, username, id string, status domain.AnalysisStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE raw_games SET status = $3, updated_at = now()
		WHERE username = $1 AND id = $2`, userKey(username), id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

func (r *Postgres) SaveAnalysis(ctx context.Context, username, id string, res domain.AnalysisResult) error {
	evals, err := json.Marshal(res.RawEvals)
	if err != nil {
		return err
	}
	out, err := r.db.ExecContext(ctx, `
		UPDATE raw_games
		SET status = $3, acpl = $4, blunders = $5, raw_evals = $6::jsonb, updated_at = now()
		WHERE username = $1 AND id = $2`,
		userKey(username), id, string(domain.StatusAnalyzed), res.ACPL, res.Blunders, evals)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return requireRow(out)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Postgres) SyncCursor(ctx context.Context, username string) (int64, error) {
	var since int64
	err := r.db.QueryRowContext(ctx,
		`SELECT since FROM sync_cursors WHERE username = $1`, userKey(username)).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return since, err
}

func (r *Postgres) SetSyncCursor(ctx context.Context, username string, since int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (username, since) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE
		SET since = GREATEST(sync_cursors.since, EXCLUDED.since), updated_at = now()`,
		userKey(username), since)
	return err
}

func (r *Postgres) RecordTilt(ctx context.Context, rec domain.TiltRecord) (int64, error) {
	ids := rec.GameIDs
	if ids == nil {
		ids = []string{}
	}
	gameIDs, err := json.Marshal(ids)
	if err != nil {
		return 0, err
	}
	scoredAt := rec.ScoredAt
	if scoredAt.IsZero() {
		scoredAt = time.Now()
	}
	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO tilt_history (username, score, games, source, game_ids, scored_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING id`,
		userKey(rec.Username), rec.Score, rec.Games, rec.Source, gameIDs, scoredAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert tilt: %w", err)
	}
	return id, nil
}

func (r *Postgres) TiltHistory(ctx context.Context, username string, limit int) ([]domain.TiltRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, score, games, source, game_ids, scored_at
		FROM tilt_history
		WHERE username = $1
		ORDER BY scored_at DESC, id DESC
		LIMIT $2`, userKey(username), limit)
	if err != nil {
		return nil, fmt.Errorf("select tilt history: %w", err)
	}
	defer rows.Close()

	records := make([]domain.TiltRecord, 0, limit)
	for rows.Next() {
		var (
			rec     domain.TiltRecord
			gameIDs []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Score, &rec.Games, &rec.Source, &gameIDs, &rec.ScoredAt); err != nil {
			return nil, err
		}
		if len(gameIDs) > 0 {
			if err := json.Unmarshal(gameIDs, &rec.GameIDs); err != nil {
				return nil, fmt.Errorf("decode game ids: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
