// ============================================================================
// Tonebridge 設定載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 設定檔 → .env → TONEBRIDGE_* 環境變數 → Validate
//
// 設定來源優先序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（configs/default.yaml）
//   3. .env 檔案（只補上尚未設定的環境變數）
//   4. TONEBRIDGE_* 環境變數
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "TONEBRIDGE_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config 系統配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	WAL      WALConfig      `yaml:"wal"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	List     ListConfig     `yaml:"list"`
	Stats    StatsConfig    `yaml:"stats"`
	Poller   PollerConfig   `yaml:"poller"`
	Blob     BlobConfig     `yaml:"blob"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	BaseURL         string        `yaml:"base_url"` // 空字串時由 http_addr 推導
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WorkerConfig struct {
	WorkerCount int `yaml:"worker_count"`
	QueueSize   int `yaml:"queue_size"`
}

type PipelineConfig struct {
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	InterruptibleRender bool          `yaml:"interruptible_render"`
	ResultExt           string        `yaml:"result_ext"`
	SimulatedSteps      int           `yaml:"simulated_steps"`
	SimulatedStep       time.Duration `yaml:"simulated_step"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // file: 目錄；sqlite: 資料庫檔
	DSN    string `yaml:"dsn"`  // postgres
}

type WALConfig struct {
	SyncOnAppend    bool `yaml:"sync_on_append"`
	BufferSize      int  `yaml:"buffer_size"`
	FlushIntervalMs int  `yaml:"flush_interval_ms"`
}

type SnapshotConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type ListConfig struct {
	MaxLimit int `yaml:"max_limit"`
}

type StatsConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

type PollerConfig struct {
	Coarse        time.Duration `yaml:"coarse"`
	Fine          time.Duration `yaml:"fine"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
}

type BlobConfig struct {
	Root string `yaml:"root"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 回傳內建預設值
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:8080",
			GRPCAddr:        "127.0.0.1:50051",
			ShutdownTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{WorkerCount: 4, QueueSize: 64},
		Pipeline: PipelineConfig{
			StageTimeout:   10 * time.Minute,
			ResultExt:      ".wav",
			SimulatedSteps: 5,
			SimulatedStep:  200 * time.Millisecond,
		},
		Store:    StoreConfig{Driver: DriverMemory, Path: "data/jobs"},
		WAL:      WALConfig{BufferSize: 64, FlushIntervalMs: 100},
		Snapshot: SnapshotConfig{IntervalSeconds: 60},
		List:     ListConfig{MaxLimit: 100},
		Stats:    StatsConfig{TTL: 5 * time.Second, Size: 1024},
		Poller: PollerConfig{
			Coarse:        2 * time.Second,
			Fine:          250 * time.Millisecond,
			MaxRetries:    3,
			RetryBackoff:  500 * time.Millisecond,
			CancelTimeout: 5 * time.Second,
		},
		Blob:    BlobConfig{Root: "data/blobs"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load 讀取設定檔並套用環境變數覆蓋
//
// path 為空時只使用預設值；envFile 不存在時略過。
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindEnvFile 從目前目錄往上找 .env，找不到回傳空字串
func FindEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 5; i++ {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

// ============================================================================
// 環境變數覆蓋
// ============================================================================

type binding struct {
	key string
	set func(string) error
}

func (c *Config) bindings() []binding {
	return []binding{
		{"HTTP_ADDR", str(&c.Server.HTTPAddr)},
		{"GRPC_ADDR", str(&c.Server.GRPCAddr)},
		{"BASE_URL", str(&c.Server.BaseURL)},
		{"SHUTDOWN_TIMEOUT", dur(&c.Server.ShutdownTimeout)},
		{"WORKER_COUNT", num(&c.Worker.WorkerCount)},
		{"QUEUE_SIZE", num(&c.Worker.QueueSize)},
		{"STAGE_TIMEOUT", dur(&c.Pipeline.StageTimeout)},
		{"INTERRUPTIBLE_RENDER", flag(&c.Pipeline.InterruptibleRender)},
		{"STORE_DRIVER", str(&c.Store.Driver)},
		{"STORE_PATH", str(&c.Store.Path)},
		{"STORE_DSN", str(&c.Store.DSN)},
		{"LIST_MAX_LIMIT", num(&c.List.MaxLimit)},
		{"STATS_TTL", dur(&c.Stats.TTL)},
		{"BLOB_ROOT", str(&c.Blob.Root)},
		{"METRICS_ENABLED", flag(&c.Metrics.Enabled)},
		{"METRICS_PORT", num(&c.Metrics.Port)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
	}
}

func (c *Config) applyEnv() error {
	for _, b := range c.bindings() {
		raw, ok := os.LookupEnv(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, b.key, err)
		}
	}
	return nil
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func num(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func dur(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func flag(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查設定的一致性
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.HTTPAddr != "", "server.http_addr is required")
	check(c.Server.ShutdownTimeout >= 0, "server.shutdown_timeout must not be negative")
	check(c.Worker.WorkerCount > 0, "worker.worker_count must be positive, got %d", c.Worker.WorkerCount)
	check(c.Worker.QueueSize > 0, "worker.queue_size must be positive, got %d", c.Worker.QueueSize)
	check(c.Pipeline.SimulatedSteps > 0, "pipeline.simulated_steps must be positive")
	check(c.Pipeline.SimulatedStep >= 0, "pipeline.simulated_step must not be negative")

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		check(c.Store.Path != "", "store.path is required for driver %q", c.Store.Driver)
	case DriverPostgres:
		check(c.Store.DSN != "", "store.dsn is required for driver %q", c.Store.Driver)
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, file, sqlite, postgres", c.Store.Driver))
	}

	check(c.WAL.BufferSize >= 0, "wal.buffer_size must not be negative")
	check(c.List.MaxLimit > 0, "list.max_limit must be positive")
	check(c.Stats.TTL >= 0, "stats.ttl must not be negative")
	check(c.Stats.Size >= 0, "stats.size must not be negative")
	check(c.Poller.Fine > 0 && c.Poller.Coarse >= c.Poller.Fine,
		"poller intervals need 0 < fine <= coarse, got fine=%s coarse=%s", c.Poller.Fine, c.Poller.Coarse)
	check(c.Blob.Root != "", "blob.root is required")
	if c.Metrics.Enabled {
		check(c.Metrics.Port > 0 && c.Metrics.Port < 65536, "metrics.port %d out of range", c.Metrics.Port)
	}
	var level slog.Level
	check(level.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is not a slog level", c.Log.Level)
	check(c.Log.Format == "json" || c.Log.Format == "text", "log.format must be json or text, got %q", c.Log.Format)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// PublicBaseURL 回傳下載連結使用的 base URL
func (c *Config) PublicBaseURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	addr := c.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// WALFlushInterval 以 time.Duration 表示的 WAL flush 間隔
func (c *Config) WALFlushInterval() time.Duration {
	return time.Duration(c.WAL.FlushIntervalMs) * time.Millisecond
}

// SnapshotInterval 以 time.Duration 表示的快照間隔
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}
