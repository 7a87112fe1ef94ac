package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port           string        `yaml:"port"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Queue struct {
		Mode        string `yaml:"mode"`
		Concurrency int    `yaml:"concurrency"`
		Name        string `yaml:"name"`
	} `yaml:"queue"`
	Storage struct {
		Type      string        `yaml:"type"`
		Dir       string        `yaml:"dir"`
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"storage"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	AI struct {
		APIKey      string  `yaml:"api_key"`
		TextModel   string  `yaml:"text_model"`
		VisionModel string  `yaml:"vision_model"`
		Temperature float32 `yaml:"temperature"`
	} `yaml:"ai"`
	Media struct {
		FFmpeg  string `yaml:"ffmpeg"`
		FFprobe string `yaml:"ffprobe"`
		// ConcatMode is auto, copy, ts or reencode.
		ConcatMode string `yaml:"concat_mode"`
	} `yaml:"media"`
	Worker struct {
		Addr         string        `yaml:"addr"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"worker"`
	Jobs struct {
		BackendTimeout time.Duration `yaml:"backend_timeout"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	} `yaml:"jobs"`
	Upload struct {
		MaxSize     string   `yaml:"max_size"`
		AllowedExts []string `yaml:"allowed_exts"`
	} `yaml:"upload"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads the YAML file at path, applies defaults and environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// .env is a development convenience; production injects the variables directly.
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration that runs without external services:
// sqlite, local blob storage and in-process job execution.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = ":8080"
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Minute
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "data/autosedance.db"
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Queue.Mode = "local"
	cfg.Queue.Concurrency = 5
	cfg.Queue.Name = "default"
	cfg.Storage.Type = "local"
	cfg.Storage.Dir = "data/projects"
	cfg.Storage.URLExpiry = 24 * time.Hour
	cfg.AI.TextModel = "gemini-1.5-pro"
	cfg.AI.VisionModel = "gemini-1.5-flash"
	cfg.AI.Temperature = 0.7
	cfg.Media.FFmpeg = "ffmpeg"
	cfg.Media.FFprobe = "ffprobe"
	cfg.Media.ConcatMode = "auto"
	cfg.Worker.PollInterval = 3 * time.Second
	cfg.Jobs.BackendTimeout = 10 * time.Minute
	cfg.Jobs.PollInterval = 850 * time.Millisecond
	cfg.Upload.MaxSize = "512MB"
	cfg.Upload.AllowedExts = []string{".mp4", ".mov", ".m4v", ".mkv", ".webm", ".avi"}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("AUTOSEDANCE_PORT", &c.Server.Port)
	setString("AUTOSEDANCE_DB_DRIVER", &c.Database.Driver)
	setString("AUTOSEDANCE_DB_DSN", &c.Database.DSN)
	setString("AUTOSEDANCE_REDIS_ADDR", &c.Redis.Addr)
	setString("AUTOSEDANCE_REDIS_PASSWORD", &c.Redis.Password)
	setString("AUTOSEDANCE_QUEUE_MODE", &c.Queue.Mode)
	setString("AUTOSEDANCE_STORAGE_TYPE", &c.Storage.Type)
	setString("AUTOSEDANCE_STORAGE_DIR", &c.Storage.Dir)
	setString("AUTOSEDANCE_MINIO_ENDPOINT", &c.MinIO.Endpoint)
	setString("AUTOSEDANCE_MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	setString("AUTOSEDANCE_MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	setString("AUTOSEDANCE_MINIO_BUCKET", &c.MinIO.Bucket)
	setString("AUTOSEDANCE_AI_API_KEY", &c.AI.APIKey)
	setString("AUTOSEDANCE_WORKER_ADDR", &c.Worker.Addr)
	setString("AUTOSEDANCE_CONCAT_MODE", &c.Media.ConcatMode)
	setString("AUTOSEDANCE_LOG_LEVEL", &c.Log.Level)
	setString("AUTOSEDANCE_LOG_FORMAT", &c.Log.Format)
	if v, ok := os.LookupEnv("AUTOSEDANCE_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := os.LookupEnv("AUTOSEDANCE_QUEUE_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Queue.Concurrency = n
		}
	}
	if v, ok := os.LookupEnv("AUTOSEDANCE_MINIO_USE_SSL"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.MinIO.UseSSL = b
		}
	}
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Queue.Mode = strings.ToLower(strings.TrimSpace(c.Queue.Mode))
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Media.ConcatMode = strings.ToLower(strings.TrimSpace(c.Media.ConcatMode))
	if c.Server.Port != "" && !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	for i, ext := range c.Upload.AllowedExts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Upload.AllowedExts[i] = ext
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported value %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Queue.Mode {
	case "local":
	case "asynq":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when queue.mode is asynq")
		}
	default:
		return fmt.Errorf("queue.mode: unsupported value %q", c.Queue.Mode)
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("queue.concurrency must be positive")
	}
	switch c.Storage.Type {
	case "local":
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required when storage.type is local")
		}
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return errors.New("minio.endpoint and minio.bucket are required when storage.type is minio")
		}
	default:
		return fmt.Errorf("storage.type: unsupported value %q", c.Storage.Type)
	}
	switch c.Media.ConcatMode {
	case "auto", "copy", "ts", "reencode":
	default:
		return fmt.Errorf("media.concat_mode: unsupported value %q", c.Media.ConcatMode)
	}
	if c.Jobs.BackendTimeout <= 0 {
		return errors.New("jobs.backend_timeout must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return errors.New("jobs.poll_interval must be positive")
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported value %q", c.Log.Format)
	}
	return nil
}

// MaxUploadBytes parses upload.max_size ("512MB", "1GiB", ...).
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Upload.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("upload.max_size: %w", err)
	}
	if n == 0 {
		return 0, errors.New("upload.max_size must be positive")
	}
	return int64(n), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
