package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planboard.yml.
type Config struct {
	Server struct {
		Addr               string `yaml:"addr"`
		BasePath           string `yaml:"base_path"`
		JWTSecretEnv       string `yaml:"jwt_secret_env"`
		AllowDevUserHeader bool   `yaml:"allow_dev_user_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Schedule struct {
		Timezone     string `yaml:"timezone"`
		DayStart     string `yaml:"day_start"`
		DayEnd       string `yaml:"day_end"`
		SkipWeekends bool   `yaml:"skip_weekends"`
	} `yaml:"schedule"`
	Tasks struct {
		DefaultDuration time.Duration `yaml:"default_duration"`
	} `yaml:"tasks"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Calendar  struct {
		Google GoogleCalendarConfig `yaml:"google"`
	} `yaml:"calendar"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ReconcileConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	ResumePending  bool          `yaml:"resume_pending"`
}

type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Size    int           `yaml:"size"`
	Redis   struct {
		Addr        string `yaml:"addr"`
		PasswordEnv string `yaml:"password_env"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"`
	} `yaml:"redis"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Region      string        `yaml:"region"`
	ModelID     string        `yaml:"model_id"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Breaker struct {
		MaxRequests  uint32        `yaml:"max_requests"`
		Interval     time.Duration `yaml:"interval"`
		Timeout      time.Duration `yaml:"timeout"`
		FailureRatio float64       `yaml:"failure_ratio"`
	} `yaml:"breaker"`
}

type UploadsConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
	S3       struct {
		Bucket string `yaml:"bucket"`
		Region string `yaml:"region"`
		Prefix string `yaml:"prefix"`
	} `yaml:"s3"`
}

type GoogleCalendarConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CalendarIDs     []string `yaml:"calendar_ids"`
	CredentialsFile string   `yaml:"credentials_file"`
	AccessTokenEnv  string   `yaml:"access_token_env"`
}

type WebhookConfig struct {
	URL       string   `yaml:"url"`
	Events    []string `yaml:"events"`
	SecretEnv string   `yaml:"secret_env"`
	Enabled   *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	start, err := ParseClock(c.Schedule.DayStart)
	if err != nil {
		return fmt.Errorf("schedule.day_start: %w", err)
	}
	end, err := ParseClock(c.Schedule.DayEnd)
	if err != nil {
		return fmt.Errorf("schedule.day_end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("schedule.day_end must be after schedule.day_start")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Tasks.DefaultDuration <= 0 {
		return fmt.Errorf("tasks.default_duration must be positive")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("reconcile.max_attempts must be at least 1")
	}
	if c.Reconcile.InitialBackoff <= 0 {
		return fmt.Errorf("reconcile.initial_backoff must be positive")
	}
	if c.Reconcile.Multiplier != 0 && c.Reconcile.Multiplier < 1 {
		return fmt.Errorf("reconcile.multiplier must be >= 1")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	switch c.LLM.Provider {
	case "", "none":
	case "bedrock":
		if c.LLM.ModelID == "" {
			return fmt.Errorf("llm.model_id is required for the bedrock provider")
		}
	default:
		return fmt.Errorf("unknown llm.provider %s", c.LLM.Provider)
	}
	switch c.Uploads.Backend {
	case "local":
	case "s3":
		if c.Uploads.S3.Bucket == "" {
			return fmt.Errorf("uploads.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("uploads.backend must be local or s3")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.Calendar.Google.Enabled && len(c.Calendar.Google.CalendarIDs) == 0 {
		return fmt.Errorf("calendar.google.calendar_ids is required when enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location resolves schedule.timezone; empty means the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || strings.EqualFold(c.Schedule.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: PLANBOARD_JWT_SECRET
  allow_dev_user_header: false

log:
  level: info
  format: json

schedule:
  timezone: Local
  day_start: "09:00"
  day_end: "17:00"
  skip_weekends: true

tasks:
  default_duration: 1h

reconcile:
  max_attempts: 3
  initial_backoff: 500ms
  max_backoff: 5s
  multiplier: 2
  resume_pending: true

cache:
  backend: memory
  ttl: 10m
  size: 4096
  redis:
    addr: ""
    password_env: PLANBOARD_REDIS_PASSWORD
    db: 0
    prefix: "planboard:position:"

llm:
  provider: none
  region: us-east-1
  model_id: ""
  max_tokens: 2048
  temperature: 0.3
  timeout: 60s
  rate_limit:
    rps: 2
    burst: 4
  breaker:
    max_requests: 1
    interval: 60s
    timeout: 30s
    failure_ratio: 0.5

uploads:
  backend: local
  dir: .planboard/uploads
  max_bytes: 5242880
  s3:
    bucket: ""
    region: us-east-1
    prefix: uploads/

calendar:
  google:
    enabled: false
    calendar_ids: []
    credentials_file: ""
    access_token_env: PLANBOARD_GOOGLE_TOKEN

webhooks: []
`
