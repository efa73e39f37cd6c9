// Package config handles Newsreel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/newsreel/config.yaml, /etc/newsreel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "newsreel", "config.yaml"))
	}

	paths = append(paths, "/etc/newsreel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Newsreel configuration.
type Config struct {
	Poller    PollerConfig    `yaml:"poller"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Status    StatusConfig    `yaml:"status"`
	Summary   SummaryConfig   `yaml:"summary"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// PollerConfig defines feed polling cadence and limits.
type PollerConfig struct {
	// TickPeriodSec is the scheduler tick. Each tick polls the FeedsPerTick
	// feeds that have waited longest past their cooldown.
	TickPeriodSec int `yaml:"tick_period_sec"`
	FeedsPerTick  int `yaml:"feeds_per_tick"`
	// CooldownSec is the per-feed minimum gap between polls. Tier-1 feeds
	// use the shorter Tier1CooldownSec.
	CooldownSec      int `yaml:"cooldown_sec"`
	Tier1CooldownSec int `yaml:"tier1_cooldown_sec"`
	// MaxConcurrent bounds simultaneous feed fetches.
	MaxConcurrent int `yaml:"max_concurrent"`
	// EntryHorizonHours rejects entries older than this.
	EntryHorizonHours int `yaml:"entry_horizon_hours"`
	// FailureThreshold is how many consecutive failures open a feed's
	// backoff circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// RequestTimeoutSec bounds a single feed fetch.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`

	// Feeds is the inline roster; FeedsFile points at a separate YAML
	// roster merged on top (a 100-feed list clutters the main config).
	Feeds     []Feed `yaml:"feeds"`
	FeedsFile string `yaml:"feeds_file"`
}

// Feed is one configured RSS/Atom source.
type Feed struct {
	ID           string `yaml:"id"`
	URL          string `yaml:"url"`
	Tier         int    `yaml:"tier"`          // 1 = wire/major outlet, 2 = everything else
	CategoryHint string `yaml:"category_hint"` // optional topic group prior
	Language     string `yaml:"language"`
}

// ClusterConfig defines the story matching thresholds.
type ClusterConfig struct {
	// SimilarityThreshold is the title Jaccard floor for a fuzzy match.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// WeakSimilarityThreshold is the lower floor used when entity
	// overlap corroborates the match.
	WeakSimilarityThreshold float64 `yaml:"weak_similarity_threshold"`
	// EntityOverlapMin is the shared-entity count for the weak path.
	EntityOverlapMin int `yaml:"entity_overlap_min"`
	// WindowHours bounds candidate clusters to ±N hours of publish time.
	WindowHours int `yaml:"window_hours"`
	// LookbackDays bounds candidates by cluster last_updated age.
	LookbackDays  int `yaml:"lookback_days"`
	MaxCandidates int `yaml:"max_candidates"`
}

// StatusConfig tunes the story lifecycle windows (minutes).
type StatusConfig struct {
	BreakingWindowMin  int `yaml:"breaking_window_min"`
	RePromoteWindowMin int `yaml:"re_promote_window_min"`
	MaintainWindowMin  int `yaml:"maintain_window_min"`
	IdleTimeoutMin     int `yaml:"idle_timeout_min"`
}

// SummaryConfig defines summary generation policy.
type SummaryConfig struct {
	// MinSourceDelta skips regeneration until this many new sources
	// have arrived (or RegenAfterHours has passed).
	MinSourceDelta  int         `yaml:"min_source_delta"`
	RegenAfterHours int         `yaml:"regen_after_hours"`
	Batch           BatchConfig `yaml:"batch"`
}

// BatchConfig defines the half-price batch summarization path.
type BatchConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxSize         int  `yaml:"max_size"`
	BackfillHours   int  `yaml:"backfill_hours"`
	PollIntervalSec int  `yaml:"poll_interval_sec"`
	SubmitEveryMin  int  `yaml:"submit_every_min"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	MaxTokens     int    `yaml:"max_tokens"`
	// RequestsPerMinute throttles realtime calls client-side.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Pricing maps model id to per-million-token rates for the cost
	// ledger. Unknown models record zero cost.
	Pricing map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing holds per-million-token USD rates.
type ModelPricing struct {
	InputPerMTok       float64 `yaml:"input_per_mtok"`
	OutputPerMTok      float64 `yaml:"output_per_mtok"`
	CachedInputPerMTok float64 `yaml:"cached_input_per_mtok"`
}

// MonitorConfig defines the breaking-news monitor sweep.
type MonitorConfig struct {
	PeriodMin int `yaml:"period_min"`
	// CompensationWindowMin bounds how old a BREAKING story may be and
	// still receive a recovered notification.
	CompensationWindowMin int `yaml:"compensation_window_min"`
}

// NotifyConfig defines push notification delivery over MQTT.
type NotifyConfig struct {
	Enabled bool       `yaml:"enabled"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	// Topic is the breaking-news topic; AvailabilityTopic carries the
	// online/offline LWT status.
	Topic             string `yaml:"topic"`
	AvailabilityTopic string `yaml:"availability_topic"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 9100
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.loadFeedsFile(); err != nil {
		return nil, err
	}
	if err := cfg.validateFeeds(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	p := &c.Poller
	if p.TickPeriodSec == 0 {
		p.TickPeriodSec = 10
	}
	if p.FeedsPerTick == 0 {
		p.FeedsPerTick = 10
	}
	if p.CooldownSec == 0 {
		p.CooldownSec = 180
	}
	if p.Tier1CooldownSec == 0 {
		p.Tier1CooldownSec = 60
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = 25
	}
	if p.EntryHorizonHours == 0 {
		p.EntryHorizonHours = 168
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.RequestTimeoutSec == 0 {
		p.RequestTimeoutSec = 20
	}

	cl := &c.Cluster
	if cl.SimilarityThreshold == 0 {
		cl.SimilarityThreshold = 0.50
	}
	if cl.WeakSimilarityThreshold == 0 {
		cl.WeakSimilarityThreshold = 0.40
	}
	if cl.EntityOverlapMin == 0 {
		cl.EntityOverlapMin = 3
	}
	if cl.WindowHours == 0 {
		cl.WindowHours = 6
	}
	if cl.LookbackDays == 0 {
		cl.LookbackDays = 7
	}
	if cl.MaxCandidates == 0 {
		cl.MaxCandidates = 150
	}

	st := &c.Status
	if st.BreakingWindowMin == 0 {
		st.BreakingWindowMin = 30
	}
	if st.RePromoteWindowMin == 0 {
		st.RePromoteWindowMin = 15
	}
	if st.MaintainWindowMin == 0 {
		st.MaintainWindowMin = 30
	}
	if st.IdleTimeoutMin == 0 {
		st.IdleTimeoutMin = 90
	}

	sm := &c.Summary
	if sm.MinSourceDelta == 0 {
		sm.MinSourceDelta = 2
	}
	if sm.RegenAfterHours == 0 {
		sm.RegenAfterHours = 12
	}
	if sm.Batch.MaxSize == 0 {
		sm.Batch.MaxSize = 500
	}
	if sm.Batch.BackfillHours == 0 {
		sm.Batch.BackfillHours = 48
	}
	if sm.Batch.PollIntervalSec == 0 {
		sm.Batch.PollIntervalSec = 60
	}
	if sm.Batch.SubmitEveryMin == 0 {
		sm.Batch.SubmitEveryMin = 30
	}

	a := &c.Anthropic
	if a.Model == "" {
		a.Model = "claude-3-5-haiku-latest"
	}
	if a.FallbackModel == "" {
		a.FallbackModel = "fallback"
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 1024
	}
	if a.RequestsPerMinute == 0 {
		a.RequestsPerMinute = 50
	}

	m := &c.Monitor
	if m.PeriodMin == 0 {
		m.PeriodMin = 5
	}
	if m.CompensationWindowMin == 0 {
		m.CompensationWindowMin = 60
	}

	n := &c.Notify
	if n.MQTT.ClientID == "" {
		n.MQTT.ClientID = "newsreel"
	}
	if n.MQTT.Topic == "" {
		n.MQTT.Topic = "newsreel/breaking"
	}
	if n.MQTT.AvailabilityTopic == "" {
		n.MQTT.AvailabilityTopic = "newsreel/status"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// loadFeedsFile merges the external roster (if configured) after the
// inline feeds. Inline entries win on duplicate id.
func (c *Config) loadFeedsFile() error {
	if c.Poller.FeedsFile == "" {
		return nil
	}

	data, err := os.ReadFile(c.Poller.FeedsFile)
	if err != nil {
		return fmt.Errorf("read feeds file: %w", err)
	}

	var roster struct {
		Feeds []Feed `yaml:"feeds"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &roster); err != nil {
		return fmt.Errorf("parse feeds file %s: %w", c.Poller.FeedsFile, err)
	}

	seen := make(map[string]bool, len(c.Poller.Feeds))
	for _, f := range c.Poller.Feeds {
		seen[f.ID] = true
	}
	for _, f := range roster.Feeds {
		if seen[f.ID] {
			continue
		}
		c.Poller.Feeds = append(c.Poller.Feeds, f)
	}
	return nil
}

func (c *Config) validateFeeds() error {
	seen := make(map[string]bool, len(c.Poller.Feeds))
	for i, f := range c.Poller.Feeds {
		if f.ID == "" {
			return fmt.Errorf("feed %d: missing id", i)
		}
		if f.URL == "" {
			return fmt.Errorf("feed %s: missing url", f.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("feed %s: duplicate id", f.ID)
		}
		if f.Tier != 0 && f.Tier != 1 && f.Tier != 2 {
			return fmt.Errorf("feed %s: tier must be 1 or 2", f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}
