package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	Worker      WorkerConfig    `toml:"worker" yaml:"worker"`
	Stream      StreamConfig    `toml:"stream" yaml:"stream"`
	Artifact    ArtifactConfig  `toml:"artifact" yaml:"artifact"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Limits      LimitsConfig    `toml:"limits" yaml:"limits"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" yaml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error"` // "debug", "info", "warn", "error"
	Output     []string `toml:"output" yaml:"output"`                                                      // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"`                                            // Time format for console/file logs (default: "15:04:05")
}

// WorkerConfig describes the external program supervised for each job
type WorkerConfig struct {
	Program       string            `toml:"program" yaml:"program" validate:"required"` // Executable or interpreter, resolved through PATH
	EntryPoint    string            `toml:"entry_point" yaml:"entry_point"`             // Script passed to the interpreter; checked for existence before spawn
	Args          []string          `toml:"args" yaml:"args"`                           // Arguments placed before the entry point (e.g. "-u")
	PeriodArgs    []string          `toml:"period_args" yaml:"period_args"`             // Appended when a period is requested; {year}, {semester}, {period} are expanded
	Dir           string            `toml:"dir" yaml:"dir"`                             // Working directory (default: current directory)
	Env           map[string]string `toml:"env" yaml:"env"`                             // Extra environment passed explicitly to the worker
	InheritEnv    bool              `toml:"inherit_env" yaml:"inherit_env"`             // Start from the server environment before applying Env
	Timeout       string            `toml:"timeout" yaml:"timeout"`                     // e.g. "30m"; "0" disables the deadline
	KillGrace     string            `toml:"kill_grace" yaml:"kill_grace"`               // Delay between SIGTERM and SIGKILL
	RequirePeriod bool              `toml:"require_period" yaml:"require_period"`       // Reject subscriptions without year/semester
}

// StreamConfig controls how worker output is framed and delivered
type StreamConfig struct {
	Encoding       string `toml:"encoding" yaml:"encoding"`                                // Worker output encoding (WHATWG label, e.g. "utf-8", "windows-1252")
	MaxLineBytes   int    `toml:"max_line_bytes" yaml:"max_line_bytes" validate:"min=256"` // Longer lines are truncated
	StderrPrefix   string `toml:"stderr_prefix" yaml:"stderr_prefix"`                      // Prepended to stderr lines on the wire
	PingInterval   string `toml:"ping_interval" yaml:"ping_interval"`                      // SSE/WebSocket keepalive interval
	DrainTimeout   string `toml:"drain_timeout" yaml:"drain_timeout"`                      // Max wait for pipes after the worker exits
	WriteTimeout   string `toml:"write_timeout" yaml:"write_timeout"`                      // Max time one write to the subscriber may block
	StartMessage   string `toml:"start_message" yaml:"start_message"`                      // System line sent after spawn (empty disables)
	SuccessMessage string `toml:"success_message" yaml:"success_message"`                  // System line sent after exit code 0 (empty disables)
}

// ArtifactConfig locates the document produced by a successful run
type ArtifactConfig struct {
	Path         string `toml:"path" yaml:"path" validate:"required"` // Expected output file
	DownloadName string `toml:"download_name" yaml:"download_name"`   // Filename offered to browsers (default: base of Path)
	MinSize      int64  `toml:"min_size" yaml:"min_size"`             // Files smaller than this count as missing
	RequireFresh bool   `toml:"require_fresh" yaml:"require_fresh"`   // The file must have been written during the run
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`                   // Record job history
	Path           string `toml:"path" yaml:"path"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"` // Delete database on startup for clean test runs
	MaxJobs        int    `toml:"max_jobs" yaml:"max_jobs"`                 // Oldest jobs beyond this count are pruned (0 = keep all)
}

// SchedulerConfig triggers headless runs on a cron schedule
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Schedule string `toml:"schedule" yaml:"schedule"` // Standard 5-field cron expression
	Year     int    `toml:"year" yaml:"year"`         // Optional fixed period for scheduled runs
	Semester int    `toml:"semester" yaml:"semester"`
}

// LimitsConfig throttles how often new jobs may start
type LimitsConfig struct {
	StartInterval string `toml:"start_interval" yaml:"start_interval"` // Minimum spacing between job starts (e.g. "2s"; "0" disables)
	StartBurst    int    `toml:"start_burst" yaml:"start_burst"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Worker: WorkerConfig{
			Program:    "python3",
			EntryPoint: "app/scripts/sigaa-scrapper.py",
			Args:       []string{"-u"},
			PeriodArgs: []string{"--year", "{year}", "--semester", "{semester}"},
			Env: map[string]string{
				"PYTHONUNBUFFERED": "1",
				"PYTHONIOENCODING": "utf-8",
				"PYTHONUTF8":       "1",
			},
			InheritEnv: true,
			Timeout:    "30m",
			KillGrace:  "5s",
		},
		Stream: StreamConfig{
			Encoding:       "utf-8",
			MaxLineBytes:   1 << 20,
			StderrPrefix:   "ERRO: ",
			PingInterval:   "15s",
			DrainTimeout:   "2s",
			WriteTimeout:   "10s",
			StartMessage:   "Starting worker...",
			SuccessMessage: "Worker finished successfully",
		},
		Artifact: ArtifactConfig{
			Path:         "public/Mapa_de_Salas.docx",
			RequireFresh: true,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Enabled: true,
				Path:    "./data/salas",
				MaxJobs: 100,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Schedule: "0 6 * * 1",
		},
		Limits: LimitsConfig{
			StartInterval: "2s",
			StartBurst:    1,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Files ending in .yaml/.yml are decoded as YAML, everything else as TOML.
// Later files override earlier files; CLI flags are applied by the caller afterwards.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies SALAS_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SALAS_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SALAS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SALAS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if level := os.Getenv("SALAS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SALAS_LOG_OUTPUT"); output != "" {
		var outputs []string
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		config.Logging.Output = outputs
	}

	if program := os.Getenv("SALAS_WORKER_PROGRAM"); program != "" {
		config.Worker.Program = program
	}
	if entryPoint := os.Getenv("SALAS_WORKER_ENTRY_POINT"); entryPoint != "" {
		config.Worker.EntryPoint = entryPoint
	}
	if dir := os.Getenv("SALAS_WORKER_DIR"); dir != "" {
		config.Worker.Dir = dir
	}
	if timeout := os.Getenv("SALAS_WORKER_TIMEOUT"); timeout != "" {
		config.Worker.Timeout = timeout
	}

	if enc := os.Getenv("SALAS_STREAM_ENCODING"); enc != "" {
		config.Stream.Encoding = enc
	}

	if artifactPath := os.Getenv("SALAS_ARTIFACT_PATH"); artifactPath != "" {
		config.Artifact.Path = artifactPath
	}

	if badgerPath := os.Getenv("SALAS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if schedule := os.Getenv("SALAS_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
		config.Scheduler.Enabled = true
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks field constraints, durations, the stream encoding and the schedule
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"worker.timeout":        c.Worker.Timeout,
		"worker.kill_grace":     c.Worker.KillGrace,
		"stream.ping_interval":  c.Stream.PingInterval,
		"stream.drain_timeout":  c.Stream.DrainTimeout,
		"stream.write_timeout":  c.Stream.WriteTimeout,
		"limits.start_interval": c.Limits.StartInterval,
	}
	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	if _, err := LookupEncoding(c.Stream.Encoding); err != nil {
		return err
	}

	if c.Scheduler.Enabled {
		if err := ValidateJobSchedule(c.Scheduler.Schedule); err != nil {
			return fmt.Errorf("invalid scheduler.schedule: %w", err)
		}
	}

	return nil
}

// WorkerTimeout returns the job deadline; zero means no deadline
func (c *Config) WorkerTimeout() time.Duration {
	d, _ := parseDuration(c.Worker.Timeout)
	return d
}

// KillGrace returns the delay between the polite and the forced kill
func (c *Config) KillGrace() time.Duration {
	d, err := parseDuration(c.Worker.KillGrace)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// PingInterval returns the stream keepalive interval; zero disables pings
func (c *Config) PingInterval() time.Duration {
	d, _ := parseDuration(c.Stream.PingInterval)
	return d
}

// DrainTimeout returns how long to wait for output after the worker exits
func (c *Config) DrainTimeout() time.Duration {
	d, err := parseDuration(c.Stream.DrainTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// WriteTimeout returns how long one write to a subscriber may block before
// the subscriber is dropped
func (c *Config) WriteTimeout() time.Duration {
	d, err := parseDuration(c.Stream.WriteTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// StartInterval returns the minimum spacing between job starts; zero disables the limit
func (c *Config) StartInterval() time.Duration {
	d, _ := parseDuration(c.Limits.StartInterval)
	return d
}

// ArtifactDownloadName returns the filename offered in Content-Disposition
func (c *Config) ArtifactDownloadName() string {
	if c.Artifact.DownloadName != "" {
		return c.Artifact.DownloadName
	}
	return filepath.Base(c.Artifact.Path)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

// ValidateJobSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}
