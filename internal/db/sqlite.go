package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clipfarm/manager-go/internal/utils"
	"github.com/google/uuid"
	"github.com/lopezator/migrator"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore is the embedded backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database file at path. ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000"
	}
	utils.Debug("sqlite open", "path", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized and :memory: databases shared.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: conn, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	m, err := migrator.New(
		migrator.Migrations(
			&migrator.Migration{
				Name: "00001_clips_logs_settings_posts",
				Func: func(tx *sql.Tx) error {
					_, err := tx.Exec(`
					CREATE TABLE clips (
						id TEXT PRIMARY KEY,
						filename TEXT NOT NULL,
						video_path TEXT NOT NULL,
						caption_path TEXT NOT NULL DEFAULT '',
						caption TEXT NOT NULL DEFAULT '',
						platform TEXT NOT NULL,
						status TEXT NOT NULL DEFAULT 'pending',
						start_time REAL NOT NULL DEFAULT 0,
						end_time REAL NOT NULL DEFAULT 0,
						reason TEXT NOT NULL DEFAULT '',
						storage_url TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						created_at TEXT NOT NULL,
						posted_at TEXT
					);
					CREATE INDEX index_clips_status_platform ON clips (status, platform);
					CREATE TABLE logs (
						id TEXT PRIMARY KEY,
						timestamp TEXT NOT NULL,
						level TEXT NOT NULL,
						component TEXT NOT NULL,
						message TEXT NOT NULL
					);
					CREATE INDEX index_logs_component ON logs (component, timestamp);
					CREATE TABLE settings (
						key TEXT PRIMARY KEY,
						value TEXT NOT NULL,
						updated_at TEXT NOT NULL
					);
					CREATE TABLE posts (
						id TEXT PRIMARY KEY,
						clip_id TEXT REFERENCES clips(id),
						platform TEXT NOT NULL,
						account TEXT NOT NULL DEFAULT '',
						posted_at TEXT NOT NULL,
						success INTEGER NOT NULL DEFAULT 1,
						error_message TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX index_posts_posted_at ON posts (posted_at);
					`)
					return err
				},
			},
			&migrator.Migration{
				Name: "00002_worker_heartbeats",
				Func: func(tx *sql.Tx) error {
					_, err := tx.Exec(`
					CREATE TABLE worker_heartbeats (
						worker_id TEXT PRIMARY KEY,
						last_seen TEXT NOT NULL
					);
					`)
					return err
				},
			},
		),
	)
	if err != nil {
		return err
	}
	if err := m.Migrate(s.db); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	for key, value := range DefaultSettings {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
			key, value, s.stamp(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) stamp() string {
	return formatSQLiteTime(s.now())
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(value string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		utils.Debug("sqlite bad timestamp", "value", value, "err", err)
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) AddClip(ctx context.Context, clip NewClip) (string, error) {
	id := uuid.NewString()
	utils.Debug("db add clip", "id", id, "platform", clip.Platform, "filename", clip.Filename)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clips (id, filename, video_path, caption_path, caption, platform, status,
			start_time, end_time, reason, storage_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, clip.Filename, clip.VideoPath, clip.CaptionPath, clip.Caption, clip.Platform, StatusPending,
		clip.StartTime, clip.EndTime, clip.Reason, clip.StorageURL, s.stamp())
	if err != nil {
		return "", err
	}
	return id, nil
}

const sqliteClipColumns = `id, filename, video_path, caption_path, caption, platform, status,
	start_time, end_time, reason, storage_url, error_message, created_at, posted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteClip(row rowScanner) (Clip, error) {
	var (
		c         Clip
		createdAt string
		postedAt  sql.NullString
	)
	err := row.Scan(&c.ID, &c.Filename, &c.VideoPath, &c.CaptionPath, &c.Caption, &c.Platform, &c.Status,
		&c.StartTime, &c.EndTime, &c.Reason, &c.StorageURL, &c.ErrorMessage, &createdAt, &postedAt)
	if err != nil {
		return Clip{}, err
	}
	c.CreatedAt = parseSQLiteTime(createdAt)
	if postedAt.Valid && postedAt.String != "" {
		t := parseSQLiteTime(postedAt.String)
		c.PostedAt = &t
	}
	return c, nil
}

func (s *SQLiteStore) GetClips(ctx context.Context, filter ClipFilter) ([]Clip, error) {
	where := []string{}
	args := []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	query := `SELECT ` + sqliteClipColumns + ` FROM clips`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit))

	utils.Debug("db get clips", "status", filter.Status, "platform", filter.Platform)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Clip{}
	for rows.Next() {
		c, err := scanSQLiteClip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetClipByID(ctx context.Context, id string) (Clip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteClipColumns+` FROM clips WHERE id = ?`, id)
	c, err := scanSQLiteClip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Clip{}, fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLiteStore) UpdateClipStatus(ctx context.Context, id, status, errorMessage string) error {
	utils.Debug("db update clip status", "id", id, "status", status)
	var postedAt any
	if status == StatusPosted {
		postedAt = s.stamp()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE clips
		SET status = ?,
			error_message = ?,
			posted_at = COALESCE(?, posted_at)
		WHERE id = ?
	`, status, errorMessage, postedAt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("clip %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RecordPost(ctx context.Context, post PostRecord) error {
	utils.Debug("db record post", "clip_id", post.ClipID, "platform", post.Platform, "success", post.Success)
	var clipID any
	if post.ClipID != "" {
		clipID = post.ClipID
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, clip_id, platform, account, posted_at, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), clipID, post.Platform, post.Account, s.stamp(), post.Success, post.ErrorMessage); err != nil {
		return err
	}
	if post.ClipID == "" {
		return nil
	}
	return s.UpdateClipStatus(ctx, post.ClipID, postStatus(post.Success), post.ErrorMessage)
}

func (s *SQLiteStore) AddLog(ctx context.Context, level, component, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, timestamp, level, component, message) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), s.stamp(), level, component, message,
	)
	return err
}

func (s *SQLiteStore) GetLogs(ctx context.Context, component string, limit int) ([]LogEntry, error) {
	query := `SELECT id, timestamp, level, component, message FROM logs`
	args := []any{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var (
			entry LogEntry
			ts    string
		)
		if err := rows.Scan(&entry.ID, &ts, &entry.Level, &entry.Component, &entry.Message); err != nil {
			return nil, err
		}
		entry.Timestamp = parseSQLiteTime(ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.stamp())
	return err
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
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

func (s *SQLiteStore) GetAnalytics(ctx context.Context) (Analytics, error) {
	var a Analytics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'posted' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM clips
	`).Scan(&a.TotalClips, &a.Pending, &a.Posted, &a.Failed)
	if err != nil {
		return Analytics{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE success = 1 AND posted_at >= ?`,
		formatSQLiteTime(startOfDay(s.now())),
	).Scan(&a.PostsToday)
	if err != nil {
		return Analytics{}, err
	}
	return a, nil
}

func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_seen) VALUES (?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET last_seen = excluded.last_seen
	`, workerID, s.stamp())
	return err
}

func (s *SQLiteStore) GetWorkerStatus(ctx context.Context, workerID string) (WorkerStatus, error) {
	var lastSeen string
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM worker_heartbeats WHERE worker_id = ?`, workerID).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return workerStatus(workerID, nil, s.now()), nil
	}
	if err != nil {
		return WorkerStatus{}, err
	}
	t := parseSQLiteTime(lastSeen)
	return workerStatus(workerID, &t, s.now()), nil
}
