package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig       `mapstructure:"app"`
	Source      PlatformConfig  `mapstructure:"source"`
	Destination PlatformConfig  `mapstructure:"destination"`
	Migration   MigrationConfig `mapstructure:"migration"`
	Monitor     MonitorConfig   `mapstructure:"monitor"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Backup      BackupConfig    `mapstructure:"backup"`
	Notify      NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
	DataDir     string `mapstructure:"data_dir"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type PlatformConfig struct {
	Name         string        `mapstructure:"name"`
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
	EntityTypes  []string      `mapstructure:"entity_types"`
}

type MigrationConfig struct {
	BatchSize       int            `mapstructure:"batch_size"`
	SyncInterval    time.Duration  `mapstructure:"sync_interval"`
	CycleBackoff    time.Duration  `mapstructure:"cycle_backoff"`
	MaxCycleRetries int            `mapstructure:"max_cycle_retries"`
	RecoveryDelay   time.Duration  `mapstructure:"recovery_delay"`
	AutoRecover     bool           `mapstructure:"auto_recover"`
	Priorities      map[string]int `mapstructure:"priorities"`
}

type MonitorConfig struct {
	HealthCheckSchedule string        `mapstructure:"health_check_schedule"`
	StallThreshold      time.Duration `mapstructure:"stall_threshold"`
}

type SchedulerConfig struct {
	PollSchedule string `mapstructure:"poll_schedule"`
}

type BackupConfig struct {
	RetentionDays   int            `mapstructure:"retention_days"`
	CleanupSchedule string         `mapstructure:"cleanup_schedule"`
	UploadTargets   []UploadTarget `mapstructure:"upload_targets"`
}

type UploadTarget struct {
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Local mirror
	Path string `mapstructure:"path"`

	// Google Drive: a service account file, or an OAuth client secret plus
	// the token saved by `ferry drive-auth`.
	CredentialsFile  string `mapstructure:"credentials_file"`
	ClientSecretFile string `mapstructure:"client_secret_file"`
	TokenFile        string `mapstructure:"token_file"`
	FolderID         string `mapstructure:"folder_id"`

	// AWS S3
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`

	// Telegram
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	SendFile bool   `mapstructure:"send_file"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FERRY")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ferry")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.data_dir", "data")
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("destination.timeout", 30*time.Second)
	v.SetDefault("migration.batch_size", 50)
	v.SetDefault("migration.sync_interval", 15*time.Minute)
	v.SetDefault("migration.cycle_backoff", time.Minute)
	v.SetDefault("migration.max_cycle_retries", 5)
	v.SetDefault("migration.recovery_delay", 30*time.Second)
	v.SetDefault("monitor.health_check_schedule", "*/30 * * * * *")
	v.SetDefault("monitor.stall_threshold", 10*time.Minute)
	v.SetDefault("scheduler.poll_schedule", "0 * * * * *")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.cleanup_schedule", "0 0 3 * * *")
}

func (c *Config) Validate() error {
	if c.App.DataDir == "" {
		return fmt.Errorf("app.data_dir is required")
	}

	for name, p := range map[string]PlatformConfig{"source": c.Source, "destination": c.Destination} {
		if p.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required", name)
		}
		if len(p.EntityTypes) == 0 {
			return fmt.Errorf("%s.entity_types must list at least one entity type", name)
		}
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be positive")
	}
	if c.Migration.SyncInterval <= 0 {
		return fmt.Errorf("migration.sync_interval must be positive")
	}
	if c.Migration.MaxCycleRetries < 0 {
		return fmt.Errorf("migration.max_cycle_retries cannot be negative")
	}
	if c.Monitor.StallThreshold <= 0 {
		return fmt.Errorf("monitor.stall_threshold must be positive")
	}

	for i, t := range c.GetEnabledUploadTargets() {
		switch t.Type {
		case "local":
			if t.Path == "" {
				return fmt.Errorf("backup.upload_targets[%d]: path is required for local", i)
			}
		case "s3":
			if t.Bucket == "" || t.Region == "" {
				return fmt.Errorf("backup.upload_targets[%d]: bucket and region are required for s3", i)
			}
		case "gdrive":
			if t.FolderID == "" {
				return fmt.Errorf("backup.upload_targets[%d]: folder_id is required for gdrive", i)
			}
			if t.CredentialsFile == "" && (t.ClientSecretFile == "" || t.TokenFile == "") {
				return fmt.Errorf("backup.upload_targets[%d]: gdrive needs credentials_file, or client_secret_file and token_file", i)
			}
		case "telegram":
			if t.BotToken == "" || t.ChatID == "" {
				return fmt.Errorf("backup.upload_targets[%d]: bot_token and chat_id are required for telegram", i)
			}
		default:
			return fmt.Errorf("backup.upload_targets[%d]: unknown type %q", i, t.Type)
		}
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id")
	}

	return nil
}

// DriveTarget returns the first enabled Google Drive target using OAuth user credentials.
func (c *Config) DriveTarget() (UploadTarget, bool) {
	for _, t := range c.GetEnabledUploadTargets() {
		if t.Type == "gdrive" && t.ClientSecretFile != "" {
			return t, true
		}
	}
	return UploadTarget{}, false
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Backup.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

// Priority returns the delta priority configured for an entity type, 1 being highest.
// Keys are matched case-insensitively since viper lowercases map keys.
func (m MigrationConfig) Priority(entityType string) int {
	if p, ok := m.Priorities[strings.ToLower(entityType)]; ok && p > 0 {
		return p
	}
	return 5
}
