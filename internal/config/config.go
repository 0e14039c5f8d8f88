package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TASKQUEST"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "taskquest.db"
	defaultDatabaseLog     = "silent"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultLogMaxSizeMB    = 100
	defaultLogMaxBackups   = 10
	defaultCookieName      = "taskquest_session"
	defaultTokenTTLMinutes = 7 * 24 * 60
	defaultJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultTimeZone        = "Asia/Tokyo"
	defaultTermSet         = TermSetWorkday
	defaultPushSubscriber  = "mailto:admin@example.com"
	defaultPushTTLSeconds  = 60
	defaultNotifyBatches   = 7
	defaultNotifyInterval  = time.Second
	defaultNotifyWorkers   = 16
	defaultNotifyTermLabel = "ターム3"
)

// Term sets selectable through calendar.terms.
const (
	TermSetWorkday = "workday"
	TermSetFullDay = "full_day"
)

// Skip policies selectable through quests.skip_policy.
const (
	SkipPolicyCompact       = "compact"
	SkipPolicyPreserveOrder = "preserve_order"
)

// AppConfig captures runtime configuration for the API server and CLI commands.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabasePath     string
	DatabaseLogLevel string

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	SessionSigningSecret string
	SessionCookieName    string
	SessionCookieSecure  bool
	SessionTTL           time.Duration

	GoogleClientID string
	GoogleJWKSURL  string

	CalendarTimeZone string
	CalendarTermSet  string
	QuestSkipPolicy  string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
	PushTTLSeconds  int

	NotifyTermLabel     string
	NotifyBatchCount    int
	NotifyBatchInterval time.Duration
	NotifyConcurrency   int
	NotifyTriggerSecret string
}

// PushEnabled reports whether a VAPID key pair was configured.
func (c AppConfig) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.log_level", defaultDatabaseLog)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.cookie_secure", true)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultJWKSURL)
	configViper.SetDefault("calendar.time_zone", defaultTimeZone)
	configViper.SetDefault("calendar.terms", defaultTermSet)
	configViper.SetDefault("quests.skip_policy", SkipPolicyCompact)
	configViper.SetDefault("push.subscriber", defaultPushSubscriber)
	configViper.SetDefault("push.ttl_seconds", defaultPushTTLSeconds)
	configViper.SetDefault("notify.term_label", defaultNotifyTermLabel)
	configViper.SetDefault("notify.batches", defaultNotifyBatches)
	configViper.SetDefault("notify.batch_interval", defaultNotifyInterval)
	configViper.SetDefault("notify.concurrency", defaultNotifyWorkers)
	configViper.SetDefault("notify.trigger_secret", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseLogLevel:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.log_level"))),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		LogFile:              strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:         configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:        configViper.GetInt("log.max_backups"),
		SessionSigningSecret: configViper.GetString("auth.signing_secret"),
		SessionCookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		SessionCookieSecure:  configViper.GetBool("auth.cookie_secure"),
		SessionTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		GoogleClientID:       strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:        strings.TrimSpace(configViper.GetString("google.jwks_url")),
		CalendarTimeZone:     strings.TrimSpace(configViper.GetString("calendar.time_zone")),
		CalendarTermSet:      strings.ToLower(strings.TrimSpace(configViper.GetString("calendar.terms"))),
		QuestSkipPolicy:      strings.ToLower(strings.TrimSpace(configViper.GetString("quests.skip_policy"))),
		VAPIDPublicKey:       strings.TrimSpace(configViper.GetString("push.vapid_public_key")),
		VAPIDPrivateKey:      strings.TrimSpace(configViper.GetString("push.vapid_private_key")),
		PushSubscriber:       strings.TrimSpace(configViper.GetString("push.subscriber")),
		PushTTLSeconds:       configViper.GetInt("push.ttl_seconds"),
		NotifyTermLabel:      strings.TrimSpace(configViper.GetString("notify.term_label")),
		NotifyBatchCount:     configViper.GetInt("notify.batches"),
		NotifyBatchInterval:  configViper.GetDuration("notify.batch_interval"),
		NotifyConcurrency:    configViper.GetInt("notify.concurrency"),
		NotifyTriggerSecret:  strings.TrimSpace(configViper.GetString("notify.trigger_secret")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP API needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.SessionCookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.GoogleClientID == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if c.GoogleJWKSURL == "" {
		return fmt.Errorf("google.jwks_url is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.CalendarTermSet {
	case TermSetWorkday, TermSetFullDay:
	default:
		return fmt.Errorf("calendar.terms must be %q or %q", TermSetWorkday, TermSetFullDay)
	}
	switch c.QuestSkipPolicy {
	case SkipPolicyCompact, SkipPolicyPreserveOrder:
	default:
		return fmt.Errorf("quests.skip_policy must be %q or %q", SkipPolicyCompact, SkipPolicyPreserveOrder)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key must be set together")
	}
	switch c.DatabaseLogLevel {
	case "silent", "error", "warn", "info":
	default:
		return fmt.Errorf("database.log_level %q is not supported", c.DatabaseLogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.NotifyBatchCount <= 0 {
		return fmt.Errorf("notify.batches must be positive")
	}
	if c.NotifyConcurrency <= 0 {
		return fmt.Errorf("notify.concurrency must be positive")
	}
	if c.NotifyBatchInterval < 0 {
		return fmt.Errorf("notify.batch_interval must not be negative")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
