// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Selectors SelectorConfig  `mapstructure:"selectors"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// RunConfig names the harvest target.
type RunConfig struct {
	// Topic keys the output names, e.g. "chloe" -> chloe_primary.csv.
	Topic    string `mapstructure:"topic"`
	StartURL string `mapstructure:"start_url"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	CreateInterval time.Duration `mapstructure:"create_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// BrowserConfig selects and tunes the session engine.
type BrowserConfig struct {
	// Engine is "chromedp" (rendered) or "static" (plain HTTP via colly).
	Engine            string        `mapstructure:"engine"`
	Headless          bool          `mapstructure:"headless"`
	UserAgents        []string      `mapstructure:"user_agents"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WarmupURL         string        `mapstructure:"warmup_url"`
	DisableImages     bool          `mapstructure:"disable_images"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	// RespectRobots applies to the static engine only.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// DiscoveryConfig bounds the convergence loop.
type DiscoveryConfig struct {
	MaxSameRounds int           `mapstructure:"max_same_rounds"`
	MaxRounds     int           `mapstructure:"max_rounds"`
	MaxPages      int           `mapstructure:"max_pages"`
	SettleWait    time.Duration `mapstructure:"settle_wait"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
}

// SchedulerConfig governs concurrency, retries and pacing.
type SchedulerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	DelayMin      time.Duration `mapstructure:"delay_min"`
	DelayMax      time.Duration `mapstructure:"delay_max"`
	CoolDownEvery int           `mapstructure:"cool_down_every"`
	CoolDownFor   time.Duration `mapstructure:"cool_down_for"`
	ErrorLimit    int           `mapstructure:"error_limit"`
}

// RateLimitConfig controls throttle detection and per-host pacing.
type RateLimitConfig struct {
	Signatures   []string      `mapstructure:"signatures"`
	CooldownMin  time.Duration `mapstructure:"cooldown_min"`
	CooldownMax  time.Duration `mapstructure:"cooldown_max"`
	MaxThrottles int           `mapstructure:"max_throttles"`
	PerHostQPS   float64       `mapstructure:"per_host_qps"`
	Burst        int           `mapstructure:"burst"`
}

// SinkConfig selects where outputs are written.
type SinkConfig struct {
	// Driver is "csv" or "postgres".
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SelectorConfig holds the site extraction rules.
type SelectorConfig struct {
	Links        []string `mapstructure:"links"`
	KeyPrefix    string   `mapstructure:"key_prefix"`
	Pagination   string   `mapstructure:"pagination"`
	Next         string   `mapstructure:"next"`
	RevealScript string   `mapstructure:"reveal_script"`
	SizeScript   string   `mapstructure:"size_script"`

	Name        string `mapstructure:"name"`
	Brand       string `mapstructure:"brand"`
	Gender      string `mapstructure:"gender"`
	Image       string `mapstructure:"image"`
	TopNotes    string `mapstructure:"top_notes"`
	MiddleNotes string `mapstructure:"middle_notes"`
	BaseNotes   string `mapstructure:"base_notes"`

	DetailAnchor       string        `mapstructure:"detail_anchor"`
	DetailHolder       string        `mapstructure:"detail_holder"`
	DetailItem         string        `mapstructure:"detail_item"`
	DetailAuthor       string        `mapstructure:"detail_author"`
	DetailAuthorAttr   string        `mapstructure:"detail_author_attr"`
	DetailDate         string        `mapstructure:"detail_date"`
	DetailContent      string        `mapstructure:"detail_content"`
	DetailMaxNoChange  int           `mapstructure:"detail_max_no_change"`
	// DetailRevealScript loads more detail items, e.g. clicks a "more" button.
	// Empty scrolls the last item into view.
	DetailRevealScript string        `mapstructure:"detail_reveal_script"`
	DetailSettle       time.Duration `mapstructure:"detail_settle"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes the progress hub batching.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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
	v.SetDefault("run.topic", "default")
	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.create_interval", "1s")
	v.SetDefault("pool.probe_timeout", "5s")
	v.SetDefault("browser.engine", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.disable_images", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("discovery.max_same_rounds", 8)
	v.SetDefault("discovery.max_rounds", 100)
	v.SetDefault("discovery.max_pages", 500)
	v.SetDefault("discovery.settle_wait", "4s")
	v.SetDefault("discovery.wait_timeout", "20s")
	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_min", "2s")
	v.SetDefault("scheduler.backoff_max", "10s")
	v.SetDefault("scheduler.delay_min", "3s")
	v.SetDefault("scheduler.delay_max", "7s")
	v.SetDefault("scheduler.cool_down_every", 40)
	v.SetDefault("scheduler.cool_down_for", "10m")
	v.SetDefault("scheduler.error_limit", 120)
	v.SetDefault("ratelimit.signatures", []string{
		"too many requests",
		"rate limited",
		"attention required",
		"error 429",
	})
	v.SetDefault("ratelimit.cooldown_min", "60s")
	v.SetDefault("ratelimit.cooldown_max", "180s")
	v.SetDefault("ratelimit.max_throttles", 3)
	v.SetDefault("ratelimit.per_host_qps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("sink.driver", "csv")
	v.SetDefault("sink.dir", "data")
	v.SetDefault("sink.max_conns", 4)
	v.SetDefault("selectors.links", []string{"a.prefumeHbox", "a.perfumeHbox", "div.perfume-card > a"})
	v.SetDefault("selectors.pagination", "div.pagination a")
	v.SetDefault("selectors.next", `a[aria-label="Next »"]`)
	v.SetDefault("selectors.name", `h1[itemprop="name"]`)
	v.SetDefault("selectors.brand", `span[itemprop="brand"] a span`)
	v.SetDefault("selectors.gender", `h1[itemprop="name"] small`)
	v.SetDefault("selectors.image", `img[itemprop="image"]`)
	v.SetDefault("selectors.detail_anchor", "#all-reviews")
	v.SetDefault("selectors.detail_holder", "#all-reviews")
	v.SetDefault("selectors.detail_item", `div.fragrance-review-box[itemprop="review"]`)
	v.SetDefault("selectors.detail_author", `meta[itemprop="name"]`)
	v.SetDefault("selectors.detail_author_attr", "content")
	v.SetDefault("selectors.detail_date", `span[itemprop="datePublished"]`)
	v.SetDefault("selectors.detail_content", `div[itemprop="reviewBody"] p`)
	v.SetDefault("selectors.detail_max_no_change", 5)
	v.SetDefault("selectors.detail_reveal_script", "")
	v.SetDefault("selectors.detail_settle", "2s")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9464)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Run.Topic) == "" {
		return fmt.Errorf("run.topic must be set")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	switch c.Browser.Engine {
	case "chromedp", "static":
	default:
		return fmt.Errorf("browser.engine must be chromedp or static, got %q", c.Browser.Engine)
	}
	if c.Discovery.MaxSameRounds <= 0 {
		return fmt.Errorf("discovery.max_same_rounds must be > 0")
	}
	if c.Discovery.MaxRounds <= 0 {
		return fmt.Errorf("discovery.max_rounds must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	if c.Scheduler.BackoffMax < c.Scheduler.BackoffMin {
		return fmt.Errorf("scheduler.backoff_max must be >= scheduler.backoff_min")
	}
	if c.Scheduler.DelayMax < c.Scheduler.DelayMin {
		return fmt.Errorf("scheduler.delay_max must be >= scheduler.delay_min")
	}
	if c.Scheduler.CoolDownEvery < 0 {
		return fmt.Errorf("scheduler.cool_down_every must be >= 0")
	}
	if c.RateLimit.CooldownMax < c.RateLimit.CooldownMin {
		return fmt.Errorf("ratelimit.cooldown_max must be >= ratelimit.cooldown_min")
	}
	if c.RateLimit.MaxThrottles <= 0 {
		return fmt.Errorf("ratelimit.max_throttles must be > 0")
	}
	if c.RateLimit.PerHostQPS < 0 {
		return fmt.Errorf("ratelimit.per_host_qps must be >= 0")
	}
	switch c.Sink.Driver {
	case "csv":
		if c.Sink.Dir == "" {
			return fmt.Errorf("sink.dir must be set for the csv driver")
		}
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("sink.driver must be csv or postgres, got %q", c.Sink.Driver)
	}
	if len(c.Selectors.Links) == 0 {
		return fmt.Errorf("selectors.links must include at least one selector")
	}
	if c.Progress.BufferSize <= 0 || c.Progress.MaxBatchEvents <= 0 {
		return fmt.Errorf("progress.buffer_size and progress.max_batch_events must be > 0")
	}
	if c.Progress.MaxBatchWait < 0 || c.Progress.SinkTimeout < 0 {
		return fmt.Errorf("progress.max_batch_wait and progress.sink_timeout must be >= 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}
