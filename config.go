package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigDir = "config"

// Embedded starter files, written out by the init command.
//
//go:embed config/municipality-starter.yaml
var starterConfig string

//go:embed config/summary-system-prompt.md
var summarySystemPrompt string

// MunicipalityConfig identifies the municipality a config file covers.
type MunicipalityConfig struct {
	Name       string `yaml:"name"`
	Prefecture string `yaml:"prefecture"`
	Character  string `yaml:"character"`
}

// SelectorConfig holds the CSS selectors an HTML source uses to walk a
// municipal announcement site.
type SelectorConfig struct {
	ListItem    string `yaml:"list_item"`
	Date        string `yaml:"date"`
	Link        string `yaml:"link"`
	Title       string `yaml:"title"`
	ContentBody string `yaml:"content_body"`
}

// SourceConfig configures one source connector.
type SourceConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Type     string         `yaml:"type"` // "html" | "feed"
	BaseURL  string         `yaml:"base_url"`
	ListURL  string         `yaml:"list_url"`
	FeedURL  string         `yaml:"feed_url"`
	Category string         `yaml:"category"`
	MaxItems int            `yaml:"max_items"`
	Timeout  time.Duration  `yaml:"timeout"`
	Selector SelectorConfig `yaml:"selectors"`
}

// FilterLists holds keyword lists checked against title and category.
type FilterLists struct {
	Title    []string `yaml:"title"`
	Category []string `yaml:"category"`
}

// FilterConfig controls which scraped items enter the ledger.
type FilterConfig struct {
	Mode      string      `yaml:"mode"` // "blacklist" | "whitelist" | "both"
	Blacklist FilterLists `yaml:"blacklist"`
	Whitelist FilterLists `yaml:"whitelist"`
}

// TransformConfig configures one format's capability.
type TransformConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	MaxChars    int    `yaml:"max_chars"`
	Model       string `yaml:"model"`
	Endpoint    string `yaml:"endpoint"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	AspectRatio string `yaml:"aspect_ratio"`
	DurationMax int    `yaml:"duration_max"` // seconds
	MinScenes   int    `yaml:"min_scenes"`
	MaxScenes   int    `yaml:"max_scenes"`
	Voice       string `yaml:"voice"`
}

// DeliveryConfig configures one delivery channel.
type DeliveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Format      string        `yaml:"format"` // defaults per channel name
	Endpoint    string        `yaml:"endpoint"`
	Visibility  string        `yaml:"visibility"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// PipelineConfig holds batch-level tuning.
type PipelineConfig struct {
	DataDir     string        `yaml:"data_dir"`
	Workers     int           `yaml:"workers"`
	BatchLimit  int           `yaml:"batch_limit"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// Config is the full per-municipality configuration, validated at load.
type Config struct {
	Municipality MunicipalityConfig         `yaml:"municipality"`
	Sources      map[string]SourceConfig    `yaml:"sources"`
	Filter       FilterConfig               `yaml:"filter"`
	Transform    map[string]TransformConfig `yaml:"transform"`
	Delivery     map[string]DeliveryConfig  `yaml:"delivery"`
	Pipeline     PipelineConfig             `yaml:"pipeline"`
}

// defaultChannelFormats maps well-known channel names to the artifact
// format they publish when the config does not say otherwise.
var defaultChannelFormats = map[string]Format{
	"youtube_shorts": FormatVideoShort,
	"youtube":        FormatVideoLong,
	"twitter":        FormatTextSimple,
	"line":           FormatTextSimple,
	"instagram":      FormatImageSingle,
	"podcast":        FormatAudio,
}

// LoadConfig reads and validates one municipality's configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Filter.Mode == "" {
		c.Filter.Mode = "blacklist"
	}
	if c.Pipeline.DataDir == "" {
		c.Pipeline.DataDir = "data"
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.BatchLimit <= 0 {
		c.Pipeline.BatchLimit = 5
	}
	if c.Pipeline.CallTimeout <= 0 {
		c.Pipeline.CallTimeout = 60 * time.Second
	}

	for name, src := range c.Sources {
		if src.MaxItems <= 0 {
			src.MaxItems = 10
		}
		if src.Timeout <= 0 {
			src.Timeout = 20 * time.Second
		}
		if src.Selector.ListItem == "" {
			src.Selector.ListItem = "div.list_item"
		}
		if src.Selector.Date == "" {
			src.Selector.Date = "span.date"
		}
		if src.Selector.Link == "" {
			src.Selector.Link = "a"
		}
		if src.Selector.Title == "" {
			src.Selector.Title = "h1.page_title"
		}
		if src.Selector.ContentBody == "" {
			src.Selector.ContentBody = "div.main_content"
		}
		c.Sources[name] = src
	}

	for name, tr := range c.Transform {
		if tr.MaxAttempts <= 0 {
			tr.MaxAttempts = 3
		}
		if tr.MaxChars <= 0 {
			tr.MaxChars = 400
		}
		if tr.AspectRatio == "" {
			tr.AspectRatio = "9:16"
		}
		if tr.DurationMax <= 0 {
			tr.DurationMax = 60
		}
		if tr.MinScenes <= 0 {
			tr.MinScenes = 2
		}
		if tr.MaxScenes <= 0 {
			tr.MaxScenes = 6
		}
		c.Transform[name] = tr
	}

	for name, ch := range c.Delivery {
		if ch.Format == "" {
			if f, ok := defaultChannelFormats[name]; ok {
				ch.Format = string(f)
			}
		}
		if ch.Visibility == "" {
			ch.Visibility = "public"
		}
		if ch.MaxAttempts <= 0 {
			ch.MaxAttempts = 4
		}
		if ch.Backoff <= 0 {
			ch.Backoff = 2 * time.Second
		}
		if ch.MaxBackoff <= 0 {
			ch.MaxBackoff = 5 * time.Minute
		}
		c.Delivery[name] = ch
	}
}

func (c *Config) validate() error {
	if c.Municipality.Name == "" {
		return fmt.Errorf("municipality.name is required")
	}

	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		switch src.Type {
		case "html":
			if src.ListURL == "" {
				return fmt.Errorf("source %s: list_url is required for html sources", name)
			}
		case "feed":
			if src.FeedURL == "" {
				return fmt.Errorf("source %s: feed_url is required for feed sources", name)
			}
		default:
			return fmt.Errorf("source %s: unknown type %q", name, src.Type)
		}
	}

	switch c.Filter.Mode {
	case "blacklist", "whitelist", "both":
	default:
		return fmt.Errorf("filter.mode must be blacklist, whitelist or both, got %q", c.Filter.Mode)
	}

	for name := range c.Transform {
		if !knownFormat(Format(name)) {
			return fmt.Errorf("transform: unknown format %q", name)
		}
	}

	// A dependent format cannot become ready unless its prerequisites
	// can; catch that at load time instead of stalling records forever.
	for _, f := range c.EnabledFormats() {
		for _, dep := range formatDependencies[f] {
			if !c.FormatEnabled(dep) {
				return fmt.Errorf("transform: %s requires %s to be enabled", f, dep)
			}
		}
	}

	for name, ch := range c.Delivery {
		if !ch.Enabled {
			continue
		}
		if ch.Format == "" {
			return fmt.Errorf("delivery %s: no format mapping; set delivery.%s.format", name, name)
		}
		if !knownFormat(Format(ch.Format)) {
			return fmt.Errorf("delivery %s: unknown format %q", name, ch.Format)
		}
	}

	return nil
}

func knownFormat(f Format) bool {
	for _, known := range AllFormats {
		if f == known {
			return true
		}
	}
	return false
}

// FormatEnabled reports whether a transform format is switched on.
func (c *Config) FormatEnabled(f Format) bool {
	return c.Transform[string(f)].Enabled
}

// EnabledFormats returns the enabled formats in stable order.
func (c *Config) EnabledFormats() []Format {
	var out []Format
	for _, f := range AllFormats {
		if c.FormatEnabled(f) {
			out = append(out, f)
		}
	}
	return out
}

// TransformFor returns the config block for one format.
func (c *Config) TransformFor(f Format) TransformConfig {
	return c.Transform[string(f)]
}

// municipalityConfigPath returns the config file path for a municipality.
func municipalityConfigPath(configDir, municipality string) string {
	return filepath.Join(configDir, "municipalities", municipality+".yaml")
}

// ensureConfigExists writes the embedded starter config on first run so
// users have a file to customize.
func ensureConfigExists(configDir string) (string, error) {
	dir := filepath.Join(configDir, "municipalities")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(dir, "example.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
			return "", fmt.Errorf("writing starter config: %w", err)
		}
	}
	return path, nil
}
