// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Capture CaptureConfig `mapstructure:"capture"`
	Browser BrowserConfig `mapstructure:"browser"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RunConfig governs one pass over the site list.
type RunConfig struct {
	OutputPath         string `mapstructure:"output_path"`
	Concurrency        int    `mapstructure:"concurrency"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds"`
	SystemPromptPath   string `mapstructure:"system_prompt_path"`
	ProfilePath        string `mapstructure:"profile_path"`
	Consent            string `mapstructure:"consent"`
	CheckoutVariant    string `mapstructure:"checkout_variant"`
}

// CaptureConfig toggles telemetry channels and tunes their sinks.
type CaptureConfig struct {
	Record                  bool `mapstructure:"record"`
	Conversation            bool `mapstructure:"conversation"`
	Network                 bool `mapstructure:"network"`
	Performance             bool `mapstructure:"performance"`
	ScreencastQuality       int  `mapstructure:"screencast_quality"`
	ScreencastEveryNthFrame int  `mapstructure:"screencast_every_nth_frame"`
	PerformanceSampleMillis int  `mapstructure:"performance_sample_ms"`
	NetworkMaxPostDataBytes int  `mapstructure:"network_max_post_data_bytes"`
}

// BrowserConfig controls the Chrome instance each task gets.
type BrowserConfig struct {
	Headless            bool    `mapstructure:"headless"`
	UserAgent           string  `mapstructure:"user_agent"`
	ViewportWidth       int     `mapstructure:"viewport_width"`
	ViewportHeight      int     `mapstructure:"viewport_height"`
	DisableSecurity     bool    `mapstructure:"disable_security"`
	Preflight           bool    `mapstructure:"preflight"`
	PreflightTimeoutSec int     `mapstructure:"preflight_timeout_seconds"`
	PreflightRPS        float64 `mapstructure:"preflight_rps"`
	PreflightBurst      int     `mapstructure:"preflight_burst"`
	LaunchTimeoutSec    int     `mapstructure:"launch_timeout_seconds"`
}

// AgentConfig describes the external agent service and the settings it runs with.
type AgentConfig struct {
	Endpoint           string   `mapstructure:"endpoint"`
	APIKey             string   `mapstructure:"api_key"`
	Model              string   `mapstructure:"model"`
	PlannerModel       string   `mapstructure:"planner_model"`
	PlannerInterval    int      `mapstructure:"planner_interval"`
	MaxSteps           int      `mapstructure:"max_steps"`
	MaxActionsPerStep  int      `mapstructure:"max_actions_per_step"`
	UseVision          bool     `mapstructure:"use_vision"`
	ExcludeActions     []string `mapstructure:"exclude_actions"`
	MinPageLoadWaitSec float64  `mapstructure:"min_page_load_wait_seconds"`
	HighlightElements  bool     `mapstructure:"highlight_elements"`
}

// StorageConfig selects where artifacts are mirrored after each task.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Backend
// memory keeps the events in process, for dry runs.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the status/metrics HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig names the service in emitted spans.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.output_path", "data")
	v.SetDefault("run.concurrency", 1)
	v.SetDefault("run.task_timeout_seconds", 900)
	v.SetDefault("run.system_prompt_path", "system_prompt.txt")
	v.SetDefault("run.profile_path", "user_data.yaml")
	v.SetDefault("run.consent", string(crawler.ConsentAccept))
	v.SetDefault("run.checkout_variant", string(crawler.CheckoutGeneric))
	v.SetDefault("capture.record", false)
	v.SetDefault("capture.conversation", false)
	v.SetDefault("capture.network", false)
	v.SetDefault("capture.performance", false)
	v.SetDefault("capture.screencast_quality", 60)
	v.SetDefault("capture.screencast_every_nth_frame", 2)
	v.SetDefault("capture.performance_sample_ms", 5000)
	v.SetDefault("capture.network_max_post_data_bytes", 64*1024)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) "+
			"Chrome/123.0.6312.106 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 1100)
	v.SetDefault("browser.disable_security", true)
	v.SetDefault("browser.preflight", true)
	v.SetDefault("browser.preflight_timeout_seconds", 20)
	v.SetDefault("browser.preflight_rps", 1.0)
	v.SetDefault("browser.preflight_burst", 2)
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("agent.endpoint", "http://127.0.0.1:8765")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.model", "gemini-2.5-flash-preview-04-17")
	v.SetDefault("agent.planner_model", "gemini-2.0-flash")
	v.SetDefault("agent.planner_interval", 0)
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.max_actions_per_step", 5)
	v.SetDefault("agent.use_vision", true)
	v.SetDefault("agent.exclude_actions", []string{"search_google"})
	v.SetDefault("agent.min_page_load_wait_seconds", 3.0)
	v.SetDefault("agent.highlight_elements", true)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "site_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.backend", "pubsub")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "checkout-crawler")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Run.OutputPath) == "" {
		return fmt.Errorf("run.output_path is required")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Run.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("run.task_timeout_seconds must be > 0")
	}
	if !crawler.ConsentMode(c.Run.Consent).Valid() {
		return fmt.Errorf("run.consent must be accept or decline, got %q", c.Run.Consent)
	}
	if !crawler.CheckoutVariant(c.Run.CheckoutVariant).Valid() {
		return fmt.Errorf("run.checkout_variant must be generic or platformSpecific, got %q", c.Run.CheckoutVariant)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be > 0")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	switch c.PubSub.Backend {
	case "", "pubsub":
		if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
		}
	case "memory":
	default:
		return fmt.Errorf("pubsub.backend must be pubsub or memory, got %q", c.PubSub.Backend)
	}
	return nil
}

// TaskTimeout converts the per-site budget into a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Run.TaskTimeoutSeconds) * time.Second
}

// CaptureSet returns the enabled capture channels.
func (c Config) CaptureSet() crawler.CaptureSet {
	set := crawler.CaptureSet{}
	if c.Capture.Record {
		set[crawler.CaptureRecord] = true
	}
	if c.Capture.Conversation {
		set[crawler.CaptureConversation] = true
	}
	if c.Capture.Network {
		set[crawler.CaptureNetwork] = true
	}
	if c.Capture.Performance {
		set[crawler.CapturePerformance] = true
	}
	return set
}

// RunConfiguration assembles the immutable per-run settings.
func (c Config) RunConfiguration(runID string) crawler.RunConfiguration {
	return crawler.RunConfiguration{
		RunID:           runID,
		OutputPath:      c.Run.OutputPath,
		ConsentMode:     crawler.ConsentMode(c.Run.Consent),
		Capture:         c.CaptureSet(),
		CheckoutVariant: crawler.CheckoutVariant(c.Run.CheckoutVariant),
		TaskTimeout:     c.TaskTimeout(),
	}
}
