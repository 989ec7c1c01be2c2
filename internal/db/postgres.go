package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"clipfarm/manager-go/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore talks to Postgres, including hosted Supabase databases.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded *.sql files in name order, each in its own transaction,
// and records them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files, err := fs.Glob(postgresMigrations, "migrations/postgres/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		name := path.Base(file)
		applied, err := s.isApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		raw, err := postgresMigrations.ReadFile(file)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(raw))
		if sqlText == "" {
			continue
		}

		start := time.Now()
		utils.Info("migrate apply", "migration", name)
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		_, execErr := tx.Exec(ctx, sqlText)
		if execErr == nil {
			_, execErr = tx.Exec(ctx, `INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, NOW())`, name)
		}
		if execErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s failed: %w", name, execErr)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		utils.Info("migrate applied", "migration", name, "dur", time.Since(start).Truncate(time.Millisecond).String())
	}

	for key, value := range DefaultSettings {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW()) ON CONFLICT (key) DO NOTHING`,
			key, value,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) isApplied(ctx context.Context, filename string) (bool, error) {
	var out string
	err := s.pool.QueryRow(ctx, `SELECT filename FROM schema_migrations WHERE filename = $1`, filename).Scan(&out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return out != "", nil
}

func (s *PostgresStore) AddClip(ctx context.Context, clip NewClip) (string, error) {
	id := uuid.NewString()
	utils.Debug("db add clip", "id", id, "platform", clip.Platform, "filename", clip.Filename)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clips (id, filename, video_path, caption_path, caption, platform, status,
			start_time, end_time, reason, storage_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, id, clip.Filename, clip.VideoPath, clip.CaptionPath, clip.Caption, clip.Platform, StatusPending,
		clip.StartTime, clip.EndTime, clip.Reason, clip.StorageURL, s.now())
	if err != nil {
		return "", err
	}
	return id, nil
}

const postgresClipColumns = `id, filename, video_path, caption_path, caption, platform, status,
	start_time, end_time, reason, storage_url, error_message, created_at, posted_at`

func scanPostgresClip(row pgx.Row) (Clip, error) {
	var c Clip
	err := row.Scan(&c.ID, &c.Filename, &c.VideoPath, &c.CaptionPath, &c.Caption, &c.Platform, &c.Status,
		&c.StartTime, &c.EndTime, &c.Reason, &c.StorageURL, &c.ErrorMessage, &c.CreatedAt, &c.PostedAt)
	return c, err
}

func (s *PostgresStore) GetClips(ctx context.Context, filter ClipFilter) ([]Clip, error) {
	where := []string{}
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}
	query := `SELECT ` + postgresClipColumns + ` FROM clips`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	utils.Debug("db get clips", "query", strings.TrimSpace(query), "args", args)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Clip{}
	for rows.Next() {
		c, err := scanPostgresClip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetClipByID(ctx context.Context, id string) (Clip, error) {
	c, err := scanPostgresClip(s.pool.QueryRow(ctx, `SELECT `+postgresClipColumns+` FROM clips WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Clip{}, fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *PostgresStore) UpdateClipStatus(ctx context.Context, id, status, errorMessage string) error {
	utils.Debug("db update clip status", "id", id, "status", status)
	var postedAt *time.Time
	if status == StatusPosted {
		now := s.now()
		postedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE clips
		SET status = $1,
			error_message = $2,
			posted_at = COALESCE($3, posted_at)
		WHERE id = $4
	`, status, errorMessage, postedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordPost(ctx context.Context, post PostRecord) error {
	utils.Debug("db record post", "clip_id", post.ClipID, "platform", post.Platform, "success", post.Success)
	var clipID *string
	if post.ClipID != "" {
		clipID = &post.ClipID
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, clip_id, platform, account, posted_at, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), clipID, post.Platform, post.Account, s.now(), post.Success, post.ErrorMessage); err != nil {
		return err
	}
	if post.ClipID == "" {
		return nil
	}
	return s.UpdateClipStatus(ctx, post.ClipID, postStatus(post.Success), post.ErrorMessage)
}

func (s *PostgresStore) AddLog(ctx context.Context, level, component, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (id, timestamp, level, component, message) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), s.now(), level, component, message,
	)
	return err
}

func (s *PostgresStore) GetLogs(ctx context.Context, component string, limit int) ([]LogEntry, error) {
	query := `SELECT id, timestamp, level, component, message FROM logs`
	args := []any{}
	if component != "" {
		args = append(args, component)
		query += ` WHERE component = $1`
	}
	args = append(args, normalizeLimit(limit))
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Component, &entry.Message); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}

func (s *PostgresStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAnalytics(ctx context.Context) (Analytics, error) {
	var a Analytics
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'posted'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			(SELECT COUNT(*) FROM posts WHERE success AND posted_at >= $1)
		FROM clips
	`, startOfDay(s.now())).Scan(&a.TotalClips, &a.Pending, &a.Posted, &a.Failed, &a.PostsToday)
	if err != nil {
		return Analytics{}, err
	}
	return a, nil
}

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_seen) VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`, workerID, s.now())
	return err
}

func (s *PostgresStore) GetWorkerStatus(ctx context.Context, workerID string) (WorkerStatus, error) {
	var lastSeen time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_seen FROM worker_heartbeats WHERE worker_id = $1`, workerID).Scan(&lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return workerStatus(workerID, nil, s.now()), nil
	}
	if err != nil {
		return WorkerStatus{}, err
	}
	return workerStatus(workerID, &lastSeen, s.now()), nil
}
