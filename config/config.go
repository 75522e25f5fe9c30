// Package config loads service settings from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "NEWSDIGEST_CONFIG"

// Config holds every setting the binary needs.
type Config struct {
	LogMode       string             `yaml:"logMode"`
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
	NewsAPI       NewsAPIConfig      `yaml:"newsapi"`
	OpenAI        OpenAIConfig       `yaml:"openai"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwtSecret"`
}

// DatabaseConfig selects sqlite or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// StageConfig sizes one queue's worker pool and retry budget.
type StageConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetry    int `yaml:"maxRetry"`
}

// PipelineConfig tunes the stage queues.
type PipelineConfig struct {
	Tick        StageConfig   `yaml:"tick"`
	Fetch       StageConfig   `yaml:"fetch"`
	Analyze     StageConfig   `yaml:"analyze"`
	Notify      StageConfig   `yaml:"notify"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
	// StaleAfter is how long an in-flight execution may block new ticks.
	StaleAfter time.Duration `yaml:"staleAfter"`
	// Retention keeps finished jobs (and their IDs) in the queue.
	Retention time.Duration `yaml:"retention"`
}

type SchedulerConfig struct {
	SyncInterval time.Duration `yaml:"syncInterval"`
}

// NotificationConfig covers live streams, web push and the cross-replica bus.
type NotificationConfig struct {
	VAPIDPublicKey    string        `yaml:"vapidPublicKey"`
	VAPIDPrivateKey   string        `yaml:"vapidPrivateKey"`
	VAPIDSubject      string        `yaml:"vapidSubject"`
	PushTTL           time.Duration `yaml:"pushTtl"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	StreamBuffer      int           `yaml:"streamBuffer"`
	// BusChannel enables redis pub/sub fan-out between replicas when set.
	BusChannel string `yaml:"busChannel"`
}

type NewsAPIConfig struct {
	BaseURL   string  `yaml:"baseUrl"`
	APIKey    string  `yaml:"apiKey"`
	PageSize  int     `yaml:"pageSize"`
	RateLimit float64 `yaml:"rateLimit"` // requests per second
}

type OpenAIConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		LogMode: "development",
		Server:  ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:newsdigest.db?_pragma=busy_timeout(5000)",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Pipeline: PipelineConfig{
			Tick:        StageConfig{Concurrency: 5, MaxRetry: 3},
			Fetch:       StageConfig{Concurrency: 5, MaxRetry: 3},
			Analyze:     StageConfig{Concurrency: 5, MaxRetry: 3},
			Notify:      StageConfig{Concurrency: 5, MaxRetry: 3},
			BackoffBase: 5 * time.Second,
			BackoffMax:  5 * time.Minute,
			StaleAfter:  2 * time.Hour,
			Retention:   time.Hour,
		},
		Scheduler: SchedulerConfig{SyncInterval: time.Minute},
		Notifications: NotificationConfig{
			PushTTL:           24 * time.Hour,
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       5 * time.Minute,
			SweepInterval:     5 * time.Minute,
			StreamBuffer:      16,
		},
		NewsAPI: NewsAPIConfig{
			BaseURL:   "https://newsapi.org/v2",
			PageSize:  50,
			RateLimit: 1,
		},
		OpenAI: OpenAIConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
	}
}

// Load starts from Default, overlays the YAML file named by
// NEWSDIGEST_CONFIG (if any), then applies environment overrides.
func Load() (Config, error) {
	return load(os.Getenv(configPathEnv), os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type envBinding struct {
	key   string
	apply func(v string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

// duration accepts Go durations ("90s") and bare integers as seconds.
func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		if n, err := cast.ToInt64E(v); err == nil {
			*dst = time.Duration(n) * time.Second
			return nil
		}
		d, err := cast.ToDurationE(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func (c *Config) bindings() []envBinding {
	p := &c.Pipeline
	n := &c.Notifications
	return []envBinding{
		{"LOG_MODE", str(&c.LogMode)},
		{"HTTP_ADDR", str(&c.Server.Addr)},
		{"JWT_SECRET", str(&c.Server.JWTSecret)},
		{"DATABASE_DRIVER", str(&c.Database.Driver)},
		{"DATABASE_DSN", str(&c.Database.DSN)},
		{"REDIS_URL", str(&c.Redis.URL)},
		{"TICK_CONCURRENCY", integer(&p.Tick.Concurrency)},
		{"FETCH_CONCURRENCY", integer(&p.Fetch.Concurrency)},
		{"ANALYZE_CONCURRENCY", integer(&p.Analyze.Concurrency)},
		{"NOTIFY_CONCURRENCY", integer(&p.Notify.Concurrency)},
		{"FETCH_MAX_RETRY", integer(&p.Fetch.MaxRetry)},
		{"ANALYZE_MAX_RETRY", integer(&p.Analyze.MaxRetry)},
		{"PIPELINE_STALE_AFTER", duration(&p.StaleAfter)},
		{"PIPELINE_RETENTION", duration(&p.Retention)},
		{"SCHEDULER_SYNC_INTERVAL", duration(&c.Scheduler.SyncInterval)},
		{"VAPID_PUBLIC_KEY", str(&n.VAPIDPublicKey)},
		{"VAPID_PRIVATE_KEY", str(&n.VAPIDPrivateKey)},
		{"VAPID_SUBJECT", str(&n.VAPIDSubject)},
		{"SSE_HEARTBEAT_INTERVAL", duration(&n.HeartbeatInterval)},
		{"SSE_IDLE_TIMEOUT", duration(&n.IdleTimeout)},
		{"NOTIFY_BUS_CHANNEL", str(&n.BusChannel)},
		{"NEWS_API_URL", str(&c.NewsAPI.BaseURL)},
		{"NEWS_API_KEY", str(&c.NewsAPI.APIKey)},
		{"NEWS_API_PAGE_SIZE", integer(&c.NewsAPI.PageSize)},
		{"NEWS_API_RATE_LIMIT", float(&c.NewsAPI.RateLimit)},
		{"OPENAI_ENDPOINT", str(&c.OpenAI.Endpoint)},
		{"OPENAI_MODEL", str(&c.OpenAI.Model)},
		{"OPENAI_API_KEY", str(&c.OpenAI.APIKey)},
		{"OPENAI_TIMEOUT", duration(&c.OpenAI.Timeout)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s: %w", b.key, err)
		}
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	n := c.Notifications
	if n.VAPIDPublicKey != "" || n.VAPIDPrivateKey != "" {
		if n.VAPIDPublicKey == "" || n.VAPIDPrivateKey == "" {
			errs = append(errs, errors.New("both vapid keys are required"))
		}
		if !strings.HasPrefix(n.VAPIDSubject, "mailto:") && !strings.HasPrefix(n.VAPIDSubject, "https://") {
			errs = append(errs, fmt.Errorf("vapid subject %q must start with mailto: or https://", n.VAPIDSubject))
		}
	}
	if c.NewsAPI.PageSize <= 0 || c.NewsAPI.PageSize > 100 {
		errs = append(errs, fmt.Errorf("newsapi page size %d out of range 1..100", c.NewsAPI.PageSize))
	}
	for name, st := range map[string]StageConfig{
		"tick": c.Pipeline.Tick, "fetch": c.Pipeline.Fetch,
		"analyze": c.Pipeline.Analyze, "notify": c.Pipeline.Notify,
	} {
		if st.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("%s concurrency must be positive", name))
		}
		if st.MaxRetry < 0 {
			errs = append(errs, fmt.Errorf("%s max retry must not be negative", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// PushEnabled reports whether VAPID keys are configured.
func (n NotificationConfig) PushEnabled() bool {
	return n.VAPIDPublicKey != "" && n.VAPIDPrivateKey != ""
}
