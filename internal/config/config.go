package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"StudioFeed/internal/domain"
)

const (
	configPathEnv     = "STUDIOFEED_CONFIG"
	databasePathEnv   = "STUDIOFEED_DB_PATH"
	adminTokenEnv     = "STUDIOFEED_ADMIN_TOKEN"
	openAIAPIKeyEnv   = "OPENAI_API_KEY"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	instagramTokenEnv = "INSTAGRAM_ACCESS_TOKEN"
	catalogAPIKeyEnv  = "CATALOG_API_KEY"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database  DatabaseConfig        `yaml:"database"`
	Logging   LoggingConfig         `yaml:"logging"`
	Server    ServerConfig          `yaml:"server"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Approval  ApprovalConfig        `yaml:"approval"`
	Quality   QualityConfig         `yaml:"quality"`
	History   HistoryConfig         `yaml:"history"`
	Variation domain.VariationRules `yaml:"variation"`
	OpenAI    OpenAIConfig          `yaml:"openai"`
	Telegram  TelegramConfig        `yaml:"telegram"`
	Instagram InstagramConfig       `yaml:"instagram"`
	Catalog   CatalogConfig         `yaml:"catalog"`
}

// DatabaseConfig describes the embedded SQLite database location. An empty
// path selects the in-memory stores (useful for dry runs and tests).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls slog verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig describes the admin HTTP surface.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// SchedulerConfig defines how often the orchestration tick fires.
type SchedulerConfig struct {
	IntervalMinutes int    `yaml:"intervalMinutes"`
	Timezone        string `yaml:"timezone"`
	location        *time.Location
}

// Interval resolves the tick interval with a safe floor.
func (s SchedulerConfig) Interval() time.Duration {
	if s.IntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

// ApprovalConfig bounds how long a reviewer may take before timeout.
type ApprovalConfig struct {
	TimeoutMinutes int `yaml:"timeoutMinutes"`
}

// Timeout resolves the approval window with a safe floor.
func (a ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// QualityConfig holds the acceptance floor for generated images (0-10).
type QualityConfig struct {
	Floor float64 `yaml:"floor"`
}

// HistoryConfig bounds production-history retention.
type HistoryConfig struct {
	RetentionDays int `yaml:"retentionDays"`
}

// OpenAIConfig defines how to contact the generation and scoring APIs.
type OpenAIConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	ImageModel    string  `yaml:"imageModel"`
	APIKey        string  `yaml:"apiKey"`
	ImageCost     float64 `yaml:"imageCost"`
	SystemPrompt  string  `yaml:"systemPrompt"`
	ScoringPrompt string  `yaml:"scoringPrompt"`
}

// TelegramConfig wires the approval bot channel.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// InstagramConfig wires the publish API.
type InstagramConfig struct {
	Endpoint    string `yaml:"endpoint"`
	AccessToken string `yaml:"accessToken"`
	AccountID   string `yaml:"accountId"`
}

// CatalogConfig selects either a remote asset catalog service or the static
// lists below it.
type CatalogConfig struct {
	URL    string        `yaml:"url"`
	APIKey string        `yaml:"apiKey"`
	Static StaticCatalog `yaml:"static"`
}

// StaticCatalog describes file-configured assets used when no catalog
// service is deployed.
type StaticCatalog struct {
	Products     []ProductConfig   `yaml:"products"`
	Scenarios    []CandidateConfig `yaml:"scenarios"`
	Compositions []CandidateConfig `yaml:"compositions"`
	Tables       []CandidateConfig `yaml:"tables"`
	HandStyles   []CandidateConfig `yaml:"handStyles"`
}

// ProductConfig is one statically configured product.
type ProductConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// CandidateConfig is one statically configured dimension candidate.
type CandidateConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(adminTokenEnv); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv(instagramTokenEnv); v != "" {
		c.Instagram.AccessToken = v
	}
	if v := os.Getenv(catalogAPIKeyEnv); v != "" {
		c.Catalog.APIKey = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		c.Scheduler.location = time.UTC
		return
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to UTC", tz)
		loc = time.UTC
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Database.Path != "" {
		base.Database = override.Database
	}
	if override.Logging.Level != "" {
		base.Logging = override.Logging
	}
	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}
	if override.Server.Token != "" {
		base.Server.Token = override.Server.Token
	}
	if override.Scheduler.IntervalMinutes > 0 {
		base.Scheduler.IntervalMinutes = override.Scheduler.IntervalMinutes
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}
	if override.Approval.TimeoutMinutes > 0 {
		base.Approval = override.Approval
	}
	if override.Quality.Floor > 0 {
		base.Quality = override.Quality
	}
	if override.History.RetentionDays > 0 {
		base.History = override.History
	}
	if override.Variation != (domain.VariationRules{}) {
		base.Variation = override.Variation
	}
	if override.OpenAI.Endpoint != "" {
		base.OpenAI.Endpoint = override.OpenAI.Endpoint
	}
	if override.OpenAI.Model != "" {
		base.OpenAI.Model = override.OpenAI.Model
	}
	if override.OpenAI.ImageModel != "" {
		base.OpenAI.ImageModel = override.OpenAI.ImageModel
	}
	if override.OpenAI.APIKey != "" {
		base.OpenAI.APIKey = override.OpenAI.APIKey
	}
	if override.OpenAI.ImageCost > 0 {
		base.OpenAI.ImageCost = override.OpenAI.ImageCost
	}
	if override.OpenAI.SystemPrompt != "" {
		base.OpenAI.SystemPrompt = override.OpenAI.SystemPrompt
	}
	if override.OpenAI.ScoringPrompt != "" {
		base.OpenAI.ScoringPrompt = override.OpenAI.ScoringPrompt
	}
	if override.Telegram.BotToken != "" {
		base.Telegram.BotToken = override.Telegram.BotToken
	}
	if override.Telegram.ChatID != "" {
		base.Telegram.ChatID = override.Telegram.ChatID
	}
	if override.Instagram.Endpoint != "" {
		base.Instagram.Endpoint = override.Instagram.Endpoint
	}
	if override.Instagram.AccessToken != "" {
		base.Instagram.AccessToken = override.Instagram.AccessToken
	}
	if override.Instagram.AccountID != "" {
		base.Instagram.AccountID = override.Instagram.AccountID
	}
	if override.Catalog.URL != "" {
		base.Catalog.URL = override.Catalog.URL
	}
	if override.Catalog.APIKey != "" {
		base.Catalog.APIKey = override.Catalog.APIKey
	}
	if len(override.Catalog.Static.Products) > 0 {
		base.Catalog.Static = override.Catalog.Static
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Database:  DatabaseConfig{Path: "studiofeed.db"},
		Logging:   LoggingConfig{Level: "info"},
		Server:    ServerConfig{Addr: ":8085"},
		Scheduler: SchedulerConfig{IntervalMinutes: 5, Timezone: "UTC"},
		Approval:  ApprovalConfig{TimeoutMinutes: 12 * 60},
		Quality:   QualityConfig{Floor: 7.0},
		History:   HistoryConfig{RetentionDays: 180},
		Variation: domain.DefaultVariationRules(),
		OpenAI: OpenAIConfig{
			Endpoint:      "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			ImageModel:    "gpt-image-1",
			ImageCost:     0.04,
			SystemPrompt:  "You write concise photography prompts for product shots.",
			ScoringPrompt: "Score the product photo 0-10 for composition, lighting and realism. Reply as JSON {\"score\": number, \"evaluation\": string}.",
		},
		Instagram: InstagramConfig{Endpoint: "https://graph.facebook.com/v19.0"},
		Catalog: CatalogConfig{
			Static: StaticCatalog{
				Products: []ProductConfig{
					{ID: "prod-espresso", Name: "Espresso blend", Type: "coffee"},
				},
				Scenarios: []CandidateConfig{
					{ID: "scn-morning-light", Name: "Morning window light"},
					{ID: "scn-rustic-kitchen", Name: "Rustic kitchen"},
					{ID: "scn-cafe-counter", Name: "Cafe counter"},
				},
				Compositions: []CandidateConfig{
					{ID: "cmp-top-down", Name: "Top down"},
					{ID: "cmp-close-up", Name: "Closeup"},
					{ID: "cmp-wide", Name: "Wide"},
				},
				Tables: []CandidateConfig{
					{ID: "tbl-oak", Name: "Oak table"},
					{ID: "tbl-marble", Name: "Marble slab"},
				},
				HandStyles: []CandidateConfig{
					{ID: "hnd-none", Name: "No hands"},
					{ID: "hnd-hold", Name: "Holding cup"},
				},
			},
		},
	}
}
