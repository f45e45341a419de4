package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Misskey       MisskeyConfig           `yaml:"misskey"`
	DeepSeek      DeepSeekConfig          `yaml:"deepseek"`
	Bot           BotConfig               `yaml:"bot"`
	SystemPrompt  string                  `yaml:"system_prompt"`
	Persistence   PersistenceConfig       `yaml:"persistence"`
	Plugins       map[string]PluginConfig `yaml:"plugins"`
	Server        ServerConfig            `yaml:"server"`
	Notifications NotificationConfig      `yaml:"notifications"`
	Backup        BackupConfig            `yaml:"backup"`
}

type MisskeyConfig struct {
	InstanceURL    string `yaml:"instance_url"`
	AccessToken    string `yaml:"access_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DeepSeekConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type BotConfig struct {
	AutoPost               AutoPostConfig   `yaml:"auto_post"`
	Response               ResponseConfig   `yaml:"response"`
	Visibility             VisibilityConfig `yaml:"visibility"`
	PollingIntervalSeconds int              `yaml:"polling_interval_seconds"`
	TimeZone               string           `yaml:"timezone"`
}

type AutoPostConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	MaxPostsPerDay  int    `yaml:"max_posts_per_day"`
	MaxPostLength   int    `yaml:"max_post_length"`
	Prompt          string `yaml:"prompt"`
}

type ResponseConfig struct {
	MentionEnabled    bool `yaml:"mention_enabled"`
	ChatEnabled       bool `yaml:"chat_enabled"`
	MaxResponseLength int  `yaml:"max_response_length"`
}

type VisibilityConfig struct {
	Default string `yaml:"default"`
}

type PersistenceConfig struct {
	DBPath      string `yaml:"db_path"`
	CleanupDays int    `yaml:"cleanup_days"`
	CacheSize   int    `yaml:"cache_size"`
}

// PluginConfig is the per-plugin section; keys other than enabled and
// priority are kept in Settings for the plugin to read.
type PluginConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Priority int            `yaml:"priority"`
	Settings map[string]any `yaml:",inline"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
}

type NotificationConfig struct {
	TeamsWebhookURL   string `yaml:"teams_webhook_url"`
	NotificationEmail string `yaml:"email"`
	SMTPHost          string `yaml:"smtp_host"`
	SMTPPort          int    `yaml:"smtp_port"`
	SMTPUsername      string `yaml:"smtp_username"`
	SMTPPassword      string `yaml:"smtp_password"`
}

type BackupConfig struct {
	StorageAccount   string `yaml:"storage_account"`
	StorageContainer string `yaml:"storage_container"`
	Keep             int    `yaml:"keep"`
	RestoreOnStart   bool   `yaml:"restore_on_start"`
}

const defaultSystemPrompt = "你是一个友好的AI助手，运行在Misskey平台上。请用简洁、友好的方式回答问题。"

var placeholderKeys = []string{"your_api_key", "your_deepseek_api_key", "sk-xxx", "placeholder", "changeme"}

var validVisibilities = map[string]bool{"public": true, "home": true, "followers": true, "specified": true}

// Default returns the configuration used when neither file nor environment set a value
func Default() *Config {
	return &Config{
		Misskey: MisskeyConfig{TimeoutSeconds: 30},
		DeepSeek: DeepSeekConfig{
			BaseURL:        "https://api.deepseek.com",
			Model:          "deepseek-chat",
			MaxTokens:      1000,
			Temperature:    0.8,
			TimeoutSeconds: 60,
		},
		Bot: BotConfig{
			AutoPost: AutoPostConfig{
				IntervalMinutes: 60,
				MaxPostsPerDay:  10,
				MaxPostLength:   500,
				Prompt:          "生成一篇有趣、有见解的社交媒体帖子。",
			},
			Response: ResponseConfig{
				MentionEnabled:    true,
				ChatEnabled:       true,
				MaxResponseLength: 500,
			},
			Visibility:             VisibilityConfig{Default: "public"},
			PollingIntervalSeconds: 60,
			TimeZone:               "Local",
		},
		SystemPrompt: defaultSystemPrompt,
		Persistence: PersistenceConfig{
			DBPath:      "data/bot_persistence.db",
			CleanupDays: 7,
			CacheSize:   1000,
		},
		Plugins: map[string]PluginConfig{},
		Server:  ServerConfig{Port: "8080", LogLevel: "info"},
		Notifications: NotificationConfig{
			SMTPPort: 587,
		},
		Backup: BackupConfig{
			StorageContainer: "bot-backups",
			Keep:             7,
		},
	}
}

// Load reads the YAML file at path (CONFIG_PATH or config.yaml when empty),
// applies environment overrides and validates the result. A missing file is
// not an error; the environment may carry everything.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnv("CONFIG_PATH", "config.yaml")
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	var err error
	if c.Misskey.InstanceURL, err = getSecretEnv("MISSKEY_INSTANCE_URL", c.Misskey.InstanceURL); err != nil {
		return err
	}
	if c.Misskey.AccessToken, err = getSecretEnv("MISSKEY_ACCESS_TOKEN", c.Misskey.AccessToken); err != nil {
		return err
	}
	if c.DeepSeek.APIKey, err = getSecretEnv("DEEPSEEK_API_KEY", c.DeepSeek.APIKey); err != nil {
		return err
	}
	if c.Notifications.SMTPPassword, err = getSecretEnv("SMTP_PASSWORD", c.Notifications.SMTPPassword); err != nil {
		return err
	}

	c.DeepSeek.Model = getEnv("DEEPSEEK_MODEL", c.DeepSeek.Model)
	c.DeepSeek.BaseURL = getEnv("DEEPSEEK_BASE_URL", c.DeepSeek.BaseURL)
	c.DeepSeek.MaxTokens = getIntEnv("DEEPSEEK_MAX_TOKENS", c.DeepSeek.MaxTokens)
	c.DeepSeek.Temperature = getFloatEnv("DEEPSEEK_TEMPERATURE", c.DeepSeek.Temperature)

	ap := &c.Bot.AutoPost
	ap.Enabled = getBoolEnv("BOT_AUTO_POST_ENABLED", ap.Enabled)
	ap.IntervalMinutes = getIntEnv("BOT_AUTO_POST_INTERVAL", ap.IntervalMinutes)
	ap.MaxPostsPerDay = getIntEnv("BOT_AUTO_POST_MAX_PER_DAY", ap.MaxPostsPerDay)
	ap.MaxPostLength = getIntEnv("BOT_AUTO_POST_MAX_LENGTH", ap.MaxPostLength)
	ap.Prompt = getEnv("BOT_AUTO_POST_PROMPT", ap.Prompt)

	r := &c.Bot.Response
	r.MentionEnabled = getBoolEnv("BOT_RESPONSE_MENTION_ENABLED", r.MentionEnabled)
	r.ChatEnabled = getBoolEnv("BOT_RESPONSE_CHAT_ENABLED", r.ChatEnabled)
	r.MaxResponseLength = getIntEnv("BOT_RESPONSE_MAX_LENGTH", r.MaxResponseLength)

	c.Bot.Visibility.Default = getEnv("BOT_DEFAULT_VISIBILITY", c.Bot.Visibility.Default)
	c.Bot.PollingIntervalSeconds = getIntEnv("BOT_POLLING_INTERVAL", c.Bot.PollingIntervalSeconds)
	c.Bot.TimeZone = getEnv("TIMEZONE", c.Bot.TimeZone)
	c.SystemPrompt = getEnv("SYSTEM_PROMPT", c.SystemPrompt)

	c.Persistence.DBPath = getEnv("DB_PATH", c.Persistence.DBPath)
	c.Persistence.CleanupDays = getIntEnv("CLEANUP_DAYS", c.Persistence.CleanupDays)

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Debug = getBoolEnv("DEBUG", c.Server.Debug)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)

	n := &c.Notifications
	n.TeamsWebhookURL = getEnv("TEAMS_WEBHOOK_URL", n.TeamsWebhookURL)
	n.NotificationEmail = getEnv("NOTIFICATION_EMAIL", n.NotificationEmail)
	n.SMTPHost = getEnv("SMTP_HOST", n.SMTPHost)
	n.SMTPPort = getIntEnv("SMTP_PORT", n.SMTPPort)
	n.SMTPUsername = getEnv("SMTP_USERNAME", n.SMTPUsername)

	c.Backup.StorageAccount = getEnv("AZURE_STORAGE_ACCOUNT", c.Backup.StorageAccount)
	c.Backup.StorageContainer = getEnv("AZURE_STORAGE_CONTAINER", c.Backup.StorageContainer)
	c.Backup.RestoreOnStart = getBoolEnv("BACKUP_RESTORE_ON_START", c.Backup.RestoreOnStart)

	if key, err := getSecretEnv("WEATHER_API_KEY", ""); err != nil {
		return err
	} else if key != "" {
		weather := c.Plugins["weather"]
		if weather.Settings == nil {
			weather.Settings = map[string]any{}
		}
		weather.Settings["api_key"] = key
		if c.Plugins == nil {
			c.Plugins = map[string]PluginConfig{}
		}
		c.Plugins["weather"] = weather
	}

	return nil
}

func (c *Config) validate() error {
	var problems []string

	if c.Misskey.InstanceURL == "" {
		problems = append(problems, "misskey.instance_url is required (MISSKEY_INSTANCE_URL)")
	} else if !strings.HasPrefix(c.Misskey.InstanceURL, "http://") && !strings.HasPrefix(c.Misskey.InstanceURL, "https://") {
		problems = append(problems, "misskey.instance_url must start with http:// or https://")
	}
	if strings.TrimSpace(c.Misskey.AccessToken) == "" {
		problems = append(problems, "misskey.access_token is required (MISSKEY_ACCESS_TOKEN)")
	}

	switch key := strings.TrimSpace(c.DeepSeek.APIKey); {
	case key == "":
		problems = append(problems, "deepseek.api_key is required (DEEPSEEK_API_KEY)")
	case len(key) < 10:
		problems = append(problems, "deepseek.api_key is too short")
	case isPlaceholder(key):
		problems = append(problems, "deepseek.api_key is a placeholder value")
	}

	if c.DeepSeek.MaxTokens <= 0 {
		problems = append(problems, "deepseek.max_tokens must be positive")
	}
	if c.DeepSeek.Temperature < 0 || c.DeepSeek.Temperature > 2 {
		problems = append(problems, "deepseek.temperature must be between 0 and 2")
	}
	if !validVisibilities[c.Bot.Visibility.Default] {
		problems = append(problems, fmt.Sprintf("bot.visibility.default %q is not one of public, home, followers, specified", c.Bot.Visibility.Default))
	}
	if c.Bot.AutoPost.IntervalMinutes <= 0 {
		problems = append(problems, "bot.auto_post.interval_minutes must be positive")
	}
	if c.Bot.AutoPost.MaxPostLength <= 3 || c.Bot.Response.MaxResponseLength <= 3 {
		problems = append(problems, "maximum post and response lengths must be greater than 3")
	}
	if c.Bot.PollingIntervalSeconds <= 0 {
		problems = append(problems, "bot.polling_interval_seconds must be positive")
	}
	if c.Persistence.CleanupDays <= 0 {
		problems = append(problems, "persistence.cleanup_days must be positive")
	}

	if c.Notifications.NotificationEmail != "" {
		n := c.Notifications
		if n.SMTPHost == "" || n.SMTPUsername == "" || n.SMTPPassword == "" {
			problems = append(problems, "SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func isPlaceholder(key string) bool {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "your_") {
		return true
	}
	for _, p := range placeholderKeys {
		if lower == p {
			return true
		}
	}
	return false
}

// String returns a plugin setting as a string
func (p PluginConfig) String(key, defaultValue string) string {
	if v, ok := p.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return defaultValue
}

// Bool returns a plugin setting as a bool
func (p PluginConfig) Bool(key string, defaultValue bool) bool {
	if v, ok := p.Settings[key].(bool); ok {
		return v
	}
	return defaultValue
}

// Int returns a plugin setting as an int
func (p PluginConfig) Int(key string, defaultValue int) int {
	if v, ok := p.Settings[key].(int); ok {
		return v
	}
	return defaultValue
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getSecretEnv prefers KEY, then the file named by KEY_FILE
func getSecretEnv(key, defaultValue string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s_FILE: %w", key, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return defaultValue, nil
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
