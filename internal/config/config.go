package config

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"SERVER_PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Timezone     string   `mapstructure:"TIMEZONE"`
	EmailEnabled bool     `mapstructure:"EMAIL_ENABLED"`
	InAppEnabled bool     `mapstructure:"IN_APP_ENABLED"`
	Whitelist    []string `mapstructure:"NOTIFICATIONS_WHITELIST"`
	DelayMinutes int      `mapstructure:"NOTIFICATIONS_DELAY_MINUTES"`

	// TemplateVersionsJSON overrides entries of DefaultTemplateVersions,
	// keyed by notification type: {"GMC_UPDATED":{"email":"v1.1.0"}}.
	TemplateVersionsJSON string `mapstructure:"TEMPLATE_VERSIONS"`
	TemplateVersions     map[string]TemplateVersions

	TraineeServiceURL   string `mapstructure:"TRAINEE_SERVICE_URL"`
	ReferenceServiceURL string `mapstructure:"REFERENCE_SERVICE_URL"`

	MailSender          string `mapstructure:"MAIL_SENDER"`
	SNSTopicARN         string `mapstructure:"SNS_TOPIC_ARN"`
	SNSMessageAttribute string `mapstructure:"SNS_MESSAGE_ATTRIBUTE"`
	CognitoUserPoolID   string `mapstructure:"COGNITO_USER_POOL_ID"`

	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	MySQLDSN      string `mapstructure:"MYSQL_DSN"`

	QueueURL    string `mapstructure:"QUEUE_URL"`
	QueuePrefix string `mapstructure:"QUEUE_PREFIX"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
}

// TemplateVersions selects the template version per message channel.
type TemplateVersions struct {
	Email string `json:"email,omitempty"`
	InApp string `json:"in-app,omitempty"`
}

// DefaultTemplateVersions is the shipped version per notification type and
// channel. An empty channel entry means the type has no template for that
// channel.
var DefaultTemplateVersions = map[string]TemplateVersions{
	"PROGRAMME_CREATED":         {InApp: "v1.0.0"},
	"PROGRAMME_UPDATED_WEEK_8":  {Email: "v1.0.0"},
	"PROGRAMME_UPDATED_WEEK_4":  {Email: "v1.0.0"},
	"PROGRAMME_UPDATED_WEEK_0":  {Email: "v1.0.0"},
	"PLACEMENT_UPDATED_WEEK_12": {Email: "v1.0.0"},
	"WELCOME":                   {InApp: "v1.0.0"},
	"COJ_CONFIRMATION":          {Email: "v1.0.0", InApp: "v1.0.0"},
	"FORM_UPDATED":              {Email: "v1.0.0"},
	"GMC_UPDATED":               {Email: "v1.1.0"},
	"GMC_REJECTED":              {Email: "v1.0.0"},
	"LTFT_SUBMITTED":            {Email: "v1.0.0"},
	"LTFT_APPROVED":             {Email: "v1.0.0"},
	"LTFT_UNSUBMITTED":          {Email: "v1.0.0"},
	"LTFT_WITHDRAWN":            {Email: "v1.0.0"},
	"EMAIL_UPDATED_NEW":         {Email: "v1.0.0"},
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TIMEZONE", "Europe/London")
	v.SetDefault("EMAIL_ENABLED", true)
	v.SetDefault("IN_APP_ENABLED", true)
	v.SetDefault("NOTIFICATIONS_DELAY_MINUTES", 60)
	v.SetDefault("MONGO_DATABASE", "notifications")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("QUEUE_PREFIX", "tis-trainee-notifications")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("SERVER_PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("TIMEZONE")
	v.BindEnv("EMAIL_ENABLED")
	v.BindEnv("IN_APP_ENABLED")
	v.BindEnv("NOTIFICATIONS_WHITELIST")
	v.BindEnv("NOTIFICATIONS_DELAY_MINUTES")
	v.BindEnv("TEMPLATE_VERSIONS")
	v.BindEnv("TRAINEE_SERVICE_URL")
	v.BindEnv("REFERENCE_SERVICE_URL")
	v.BindEnv("MAIL_SENDER")
	v.BindEnv("SNS_TOPIC_ARN")
	v.BindEnv("SNS_MESSAGE_ATTRIBUTE")
	v.BindEnv("COGNITO_USER_POOL_ID")
	v.BindEnv("MONGO_URI")
	v.BindEnv("MONGO_DATABASE")
	v.BindEnv("REDIS_ADDR")
	v.BindEnv("REDIS_PASSWORD")
	v.BindEnv("REDIS_DB")
	v.BindEnv("MYSQL_DSN")
	v.BindEnv("QUEUE_URL")
	v.BindEnv("QUEUE_PREFIX")
	v.BindEnv("AUTH_SIGNING_KEY")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Whitelist == nil {
		raw := v.GetString("NOTIFICATIONS_WHITELIST")
		if raw != "" {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					cfg.Whitelist = append(cfg.Whitelist, id)
				}
			}
		}
	}

	versions, err := resolveTemplateVersions(cfg.TemplateVersionsJSON)
	if err != nil {
		return nil, err
	}
	cfg.TemplateVersions = versions

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: AUTH_SIGNING_KEY is not set; bearer tokens are decoded without signature verification.")
		log.Println("WARNING: This is only safe behind a gateway that has already verified the token.")
	}

	return cfg, nil
}

// resolveTemplateVersions starts from the shipped defaults and overlays any
// per-type overrides from the TEMPLATE_VERSIONS JSON document.
func resolveTemplateVersions(overrideJSON string) (map[string]TemplateVersions, error) {
	versions := make(map[string]TemplateVersions, len(DefaultTemplateVersions))
	for k, tv := range DefaultTemplateVersions {
		versions[k] = tv
	}
	if overrideJSON == "" {
		return versions, nil
	}

	overrides := map[string]TemplateVersions{}
	if err := json.Unmarshal([]byte(overrideJSON), &overrides); err != nil {
		return nil, fmt.Errorf("TEMPLATE_VERSIONS is not valid JSON: %w", err)
	}
	for k, o := range overrides {
		tv := versions[k]
		if o.Email != "" {
			tv.Email = o.Email
		}
		if o.InApp != "" {
			tv.InApp = o.InApp
		}
		versions[k] = tv
	}
	return versions, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q is not a valid IANA zone: %w", c.Timezone, err)
	}
	return loc, nil
}

// Delay returns the minimum delay applied to immediate dispatch.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelayMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Persistence and
// queue endpoints are required for every mode; the mail sender is required
// whenever the email channel is enabled.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	if c.MySQLDSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	if c.EmailEnabled && c.MailSender == "" {
		return fmt.Errorf("MAIL_SENDER is required when EMAIL_ENABLED is true")
	}
	if c.DelayMinutes < 0 {
		return fmt.Errorf("NOTIFICATIONS_DELAY_MINUTES must not be negative, got %d", c.DelayMinutes)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
