package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/matchwire/internal/rules"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Competitions []rules.Rule `yaml:"competitions"`
	Pipeline     Pipeline     `yaml:"pipeline"`
	Intelligence Intelligence `yaml:"intelligence"`
	News         News         `yaml:"news"`
	Analysis     Analysis     `yaml:"analysis"`
	Quality      Quality      `yaml:"quality"`
	Review       Review       `yaml:"review"`
	Output       Output       `yaml:"output"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
}

type Pipeline struct {
	DiscoveryInterval     time.Duration `yaml:"discovery_interval"`
	LookAhead             time.Duration `yaml:"look_ahead"`
	IntelligenceDelay     time.Duration `yaml:"intelligence_delay"`
	NewsDelay             time.Duration `yaml:"news_delay"`
	QualityDelay          time.Duration `yaml:"quality_delay"`
	PublicationDelay      time.Duration `yaml:"publication_delay"`
	AnalysisConcurrency   int           `yaml:"analysis_concurrency"`
	HealthInterval        time.Duration `yaml:"health_interval"`
	MetricsInterval       time.Duration `yaml:"metrics_interval"`
	DiscoveryRestartDelay time.Duration `yaml:"discovery_restart_delay"`
	EventHistory          int           `yaml:"event_history"`
}

type Intelligence struct {
	Rivalries       [][]string             `yaml:"rivalries"`
	LeagueTiers     map[string][]string    `yaml:"league_tiers"`
	LeagueCountries map[string]string      `yaml:"league_countries"`
	FormWindow      int                    `yaml:"form_window"`
	Teams           map[string]TeamProfile `yaml:"teams"`
}

// TeamProfile is static, editor-maintained team context.
type TeamProfile struct {
	Formation  string   `yaml:"formation"`
	Style      string   `yaml:"style"`
	KeyPlayers []string `yaml:"key_players"`
	Venue      string   `yaml:"venue"`
	Capacity   int      `yaml:"capacity"`
}

type News struct {
	RSS      RSSSource      `yaml:"rss"`
	Guardian GuardianSource `yaml:"guardian"`
	Reddit   RedditSource   `yaml:"reddit"`
	Lexicon  Lexicon        `yaml:"lexicon"`
}

type RSSSource struct {
	Enabled       bool   `yaml:"enabled"`
	Feeds         []Feed `yaml:"feeds"`
	FetchFullText bool   `yaml:"fetch_full_text"`
	MaxPerFeed    int    `yaml:"max_per_feed"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type GuardianSource struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
	Section   string `yaml:"section"`
}

type RedditSource struct {
	Enabled    bool     `yaml:"enabled"`
	Endpoint   string   `yaml:"endpoint"`
	Subreddits []string `yaml:"subreddits"`
	UserAgent  string   `yaml:"user_agent"`
}

type Lexicon struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

type Analysis struct {
	Generator string `yaml:"generator"`
	LLM       LLM    `yaml:"llm"`
}

type LLM struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Quality struct {
	ProfanityWords []string `yaml:"profanity_words"`
	InformalWords  []string `yaml:"informal_words"`
}

type Review struct {
	Expiry        time.Duration `yaml:"expiry"`
	KickoffBuffer time.Duration `yaml:"kickoff_buffer"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for matchwire.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "matchwire")
}

// DataDir returns the XDG data directory for matchwire.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "matchwire")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/matchwire/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'matchwire init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Pipeline: Pipeline{
			DiscoveryInterval:     time.Hour,
			LookAhead:             7 * 24 * time.Hour,
			IntelligenceDelay:     2 * time.Second,
			NewsDelay:             5 * time.Second,
			QualityDelay:          time.Second,
			PublicationDelay:      2 * time.Second,
			AnalysisConcurrency:   3,
			HealthInterval:        5 * time.Minute,
			MetricsInterval:       15 * time.Minute,
			DiscoveryRestartDelay: time.Minute,
			EventHistory:          1000,
		},
		Intelligence: Intelligence{FormWindow: 5},
		News: News{
			RSS: RSSSource{MaxPerFeed: 20},
			Guardian: GuardianSource{
				Endpoint:  "https://content.guardianapis.com/search",
				APIKeyEnv: "GUARDIAN_API_KEY",
				Section:   "football",
			},
			Reddit: RedditSource{
				Endpoint:   "https://www.reddit.com",
				Subreddits: []string{"soccer"},
				UserAgent:  "matchwire/1.0",
			},
		},
		Analysis: Analysis{
			Generator: "stats",
			LLM: LLM{
				Provider:    "ollama",
				Model:       "qwen2.5:7b",
				OllamaURL:   "http://localhost:11434",
				OpenAIModel: "gpt-4o-mini",
				APIKeyEnv:   "OPENAI_API_KEY",
				MaxTokens:   1024,
			},
		},
		Review:  Review{Expiry: 24 * time.Hour, KickoffBuffer: 30 * time.Minute},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for _, r := range cfg.Competitions {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid competition: %w", err)
		}
	}
	for i, pair := range cfg.Intelligence.Rivalries {
		if len(pair) != 2 {
			return nil, fmt.Errorf("rivalry %d: expected two teams, got %d", i, len(pair))
		}
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabasePath returns the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.GetDataDir(), "matchwire.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SetCompetitionEnabled flips the enabled flag of one competition in the
// config file at path. The rest of the document, comments included, is
// written back unchanged.
func SetCompetitionEnabled(path, id string, enabled bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("config %s is empty", path)
	}

	comps := mappingValue(doc.Content[0], "competitions")
	if comps == nil || comps.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: %s (no competitions in %s)", rules.ErrNoRule, id, path)
	}
	for _, item := range comps.Content {
		idNode := mappingValue(item, "id")
		if idNode == nil || idNode.Value != id {
			continue
		}
		value := strconv.FormatBool(enabled)
		if flag := mappingValue(item, "enabled"); flag != nil {
			flag.Value = value
		} else {
			item.Content = append(item.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "enabled"},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: value},
			)
		}

		out, err := yaml.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if _, err := parse(out); err != nil {
			return err
		}
		return os.WriteFile(path, out, 0o644)
	}
	return fmt.Errorf("%w: %s", rules.ErrNoRule, id)
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
