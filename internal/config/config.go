package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "clipfarm.ini"
	configPathEnv     = "CLIPFARM_CONFIG"
)

// Backend names accepted by db.backend.
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Platforms lists every platform the farm knows how to post to.
var Platforms = []string{"tiktok", "instagram", "youtube"}

type Config struct {
	Hostname string
	AppEnv   string
	WorkerID string
	WorkDir  string

	QueueFile           string
	DeadLetterFile      string
	HistoryFile         string
	AccountsFile        string
	SummaryFile         string
	HealthFile          string
	ProcessedVideosFile string
	LinksFile           string
	LinkHistoryFile     string
	CookiesDir          string
	ReadyDir            string
	DownloadsDir        string

	AutoPost        bool
	Headless        bool
	MaxPostsPerDay  int
	MinPostDelay    time.Duration
	MaxPostDelay    time.Duration
	MinPostInterval time.Duration
	MaxPostInterval time.Duration
	FirstPostDelay  time.Duration
	MaxAttempts     int
	AffiliateLinks  bool
	AffiliateNiche  string

	TikTokUploadScript    string
	InstagramUploadScript string
	YouTubeUploadScript   string
	UploadWorkDir         string

	GenerationSchedule  string
	Channels            []string
	MaxVideosPerChannel int
	MaxClipsPerVideo    int
	MinClipDuration     time.Duration
	MaxClipDuration     time.Duration
	ProcessingDelay     time.Duration
	ClipScript          string
	YTDLPPath           string
	FeedBaseURL         string

	DBBackend  string
	SQLitePath string
	DBURL      string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	FirestoreProject     string
	FirestoreCredentials string

	RabbitMQEnabled  bool
	RabbitMQHost     string
	RabbitMQPort     int
	RabbitMQUser     string
	RabbitMQPassword string
	RabbitMQVHost    string

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Prefix        string
	S3PublicBaseURL string

	DashboardListen    string
	DashboardRateLimit float64
	DashboardBurst     int
}

// Load reads .env (if present), then the INI file named by $CLIPFARM_CONFIG, then
// CLIPFARM_* overrides. A missing INI file is not an error; every key has a default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	configPath := os.Getenv(configPathEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	ini, err := readINI(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", configPath, err)
	}

	cfg := fromINI(ini)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fromINI(ini iniData) Config {
	cfg := Config{}
	cfg.Hostname = ini.get("app", "hostname")
	if cfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Hostname = host
		}
	}
	cfg.AppEnv = firstNonEmpty(os.Getenv("CLIPFARM_ENV"), ini.getDefault("app", "env", "production"))
	cfg.WorkerID = firstNonEmpty(os.Getenv("CLIPFARM_WORKER_ID"), ini.getDefault("app", "worker_id", "main"))
	cfg.WorkDir = firstNonEmpty(os.Getenv("CLIPFARM_WORKDIR"), ini.getDefault("app", "work_dir", "."))

	inWork := func(key, name string) string {
		value := ini.get("paths", key)
		if value == "" {
			value = name
		}
		if filepath.IsAbs(value) {
			return value
		}
		return filepath.Join(cfg.WorkDir, value)
	}
	cfg.QueueFile = inWork("queue_file", "clips_queue.json")
	cfg.DeadLetterFile = inWork("dead_letter_file", "clips_dead_letter.json")
	cfg.HistoryFile = inWork("history_file", "post_history.json")
	cfg.AccountsFile = inWork("accounts_file", "accounts.json")
	cfg.SummaryFile = inWork("summary_file", "daily_summary.json")
	cfg.HealthFile = inWork("health_file", "account_health.json")
	cfg.ProcessedVideosFile = inWork("processed_videos_file", "processed_videos.json")
	cfg.LinksFile = inWork("links_file", "affiliate_links.json")
	cfg.LinkHistoryFile = inWork("link_history_file", "link_history.json")
	cfg.CookiesDir = inWork("cookies_dir", "cookies")
	cfg.ReadyDir = inWork("ready_dir", "ready_to_post")
	cfg.DownloadsDir = inWork("downloads_dir", "downloads")

	cfg.AutoPost = ini.getBoolDefault("posting", "auto_post", true)
	cfg.Headless = ini.getBoolDefault("posting", "headless", false)
	cfg.MaxPostsPerDay = ini.getIntDefault("posting", "max_posts_per_day", 5)
	cfg.MinPostDelay = ini.getDurationDefault("posting", "min_delay", 15*time.Minute)
	cfg.MaxPostDelay = ini.getDurationDefault("posting", "max_delay", 180*time.Minute)
	cfg.MinPostInterval = ini.getDurationDefault("posting", "min_interval", 2*time.Hour)
	cfg.MaxPostInterval = ini.getDurationDefault("posting", "max_interval", 4*time.Hour)
	cfg.FirstPostDelay = ini.getDurationDefault("posting", "first_post_delay", 2*time.Minute)
	cfg.MaxAttempts = ini.getIntDefault("posting", "max_attempts", 5)
	cfg.AffiliateLinks = ini.getBoolDefault("posting", "affiliate_links", false)
	cfg.AffiliateNiche = ini.getDefault("posting", "affiliate_niche", "general")

	cfg.TikTokUploadScript = firstNonEmpty(os.Getenv("CLIPFARM_TIKTOK_UPLOAD"), ini.get("paths", "tiktok_upload_script"))
	cfg.InstagramUploadScript = firstNonEmpty(os.Getenv("CLIPFARM_INSTAGRAM_UPLOAD"), ini.get("paths", "instagram_upload_script"))
	cfg.YouTubeUploadScript = firstNonEmpty(os.Getenv("CLIPFARM_YOUTUBE_UPLOAD"), ini.get("paths", "youtube_upload_script"))
	cfg.UploadWorkDir = ini.get("paths", "upload_work_dir")

	cfg.GenerationSchedule = ini.getDefault("generation", "schedule", "0 2 * * *")
	cfg.Channels = splitList(firstNonEmpty(os.Getenv("CLIPFARM_CHANNELS"), ini.get("generation", "channels")))
	cfg.MaxVideosPerChannel = ini.getIntDefault("generation", "max_videos_per_channel", 3)
	cfg.MaxClipsPerVideo = ini.getIntDefault("generation", "max_clips_per_video", 3)
	cfg.MinClipDuration = ini.getDurationDefault("generation", "min_clip_duration", 30*time.Second)
	cfg.MaxClipDuration = ini.getDurationDefault("generation", "max_clip_duration", 60*time.Second)
	cfg.ProcessingDelay = ini.getDurationDefault("generation", "processing_delay", 5*time.Second)
	cfg.ClipScript = ini.get("generation", "clip_script")
	cfg.YTDLPPath = ini.getDefault("generation", "ytdlp_path", "yt-dlp")
	cfg.FeedBaseURL = ini.getDefault("generation", "feed_base_url", "https://www.youtube.com/feeds/videos.xml")

	cfg.DBBackend = strings.ToLower(firstNonEmpty(os.Getenv("CLIPFARM_DB_BACKEND"), ini.getDefault("db", "backend", BackendSQLite)))
	cfg.SQLitePath = ini.getDefault("db", "sqlite_path", filepath.Join(cfg.WorkDir, "clipfarm.db"))
	// SUPABASE_DB_URL keeps the hosted-Postgres setup working from env alone.
	cfg.DBURL = firstNonEmpty(os.Getenv("CLIPFARM_DB_URL"), os.Getenv("SUPABASE_DB_URL"), ini.get("db", "url"))
	cfg.DBHost = ini.getDefault("db", "host", "127.0.0.1")
	cfg.DBPort = ini.getIntDefault("db", "port", 5432)
	cfg.DBName = ini.getDefault("db", "name", "clipfarm")
	cfg.DBUser = ini.getDefault("db", "user", "postgres")
	cfg.DBPassword = firstNonEmpty(os.Getenv("CLIPFARM_DB_PASSWORD"), ini.get("db", "password"))
	cfg.DBSSLMode = ini.getDefault("db", "sslmode", "prefer")

	cfg.FirestoreProject = firstNonEmpty(os.Getenv("FIREBASE_PROJECT_ID"), ini.get("firestore", "project_id"))
	cfg.FirestoreCredentials = firstNonEmpty(os.Getenv("FIREBASE_CREDENTIALS"), ini.get("firestore", "credentials_file"))

	cfg.RabbitMQEnabled = parseBoolDefault(os.Getenv("CLIPFARM_RABBITMQ"), ini.getBoolDefault("rabbitmq", "enabled", false))
	cfg.RabbitMQHost = ini.getDefault("rabbitmq", "host", "127.0.0.1")
	cfg.RabbitMQPort = ini.getIntDefault("rabbitmq", "port", 5672)
	cfg.RabbitMQUser = ini.getDefault("rabbitmq", "user", "guest")
	cfg.RabbitMQPassword = ini.getDefault("rabbitmq", "password", "guest")
	cfg.RabbitMQVHost = ini.getDefault("rabbitmq", "vhost", "/")

	cfg.S3Bucket = firstNonEmpty(os.Getenv("CLIPFARM_S3_BUCKET"), ini.get("s3", "bucket"))
	cfg.S3Region = firstNonEmpty(os.Getenv("AWS_REGION"), ini.getDefault("s3", "region", "us-east-1"))
	cfg.S3Endpoint = ini.get("s3", "endpoint")
	cfg.S3AccessKey = firstNonEmpty(os.Getenv("AWS_ACCESS_KEY_ID"), ini.get("s3", "access_key"))
	cfg.S3SecretKey = firstNonEmpty(os.Getenv("AWS_SECRET_ACCESS_KEY"), ini.get("s3", "secret_key"))
	cfg.S3Prefix = ini.getDefault("s3", "prefix", "clips")
	cfg.S3PublicBaseURL = ini.get("s3", "public_base_url")

	cfg.DashboardListen = firstNonEmpty(os.Getenv("CLIPFARM_LISTEN"), ini.getDefault("dashboard", "listen", ":5000"))
	cfg.DashboardRateLimit = float64(ini.getIntDefault("dashboard", "manual_per_minute", 6)) / 60
	cfg.DashboardBurst = ini.getIntDefault("dashboard", "manual_burst", 2)

	return cfg
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxPostsPerDay <= 0 {
		errs = append(errs, errors.New("posting.max_posts_per_day must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("posting.max_attempts must be positive"))
	}
	if c.MinPostDelay < 0 || c.MaxPostDelay < c.MinPostDelay {
		errs = append(errs, fmt.Errorf("posting delay range [%s, %s] is invalid", c.MinPostDelay, c.MaxPostDelay))
	}
	if c.MinPostInterval <= 0 || c.MaxPostInterval < c.MinPostInterval {
		errs = append(errs, fmt.Errorf("posting interval range [%s, %s] is invalid", c.MinPostInterval, c.MaxPostInterval))
	}
	switch c.DBBackend {
	case BackendSQLite, BackendPostgres:
	case BackendFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("firestore.project_id is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db.backend %q (supported: sqlite, postgres, firestore)", c.DBBackend))
	}
	return errors.Join(errs...)
}

// UploadScript returns the upload command configured for platform.
func (c Config) UploadScript(platform string) string {
	switch platform {
	case "tiktok":
		return c.TikTokUploadScript
	case "instagram":
		return c.InstagramUploadScript
	case "youtube":
		return c.YouTubeUploadScript
	}
	return ""
}

func (c Config) DBConnString() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBUser,
		c.DBPassword,
		c.DBSSLMode,
	)
}

func (c Config) RabbitMQURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQUser, c.RabbitMQPassword),
		Host:   fmt.Sprintf("%s:%d", c.RabbitMQHost, c.RabbitMQPort),
		Path:   "/" + strings.TrimPrefix(c.RabbitMQVHost, "/"),
	}
	return u.String()
}

// S3Enabled reports whether ready clips should be archived to object storage.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != ""
}
