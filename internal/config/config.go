package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/offlinequeue"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "JOURNAL"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "journal.db"
	defaultQueueDatabasePath = "journal-queue.db"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 100
	defaultCookieName        = "app_session"
	defaultIssuer            = "tauth"
	defaultClientID          = "journal-cli"
)

// AppConfig captures runtime configuration for the API server and the queue drainer.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	AllowedOrigins []string

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int

	SigningSecret string
	Issuer        string
	CookieName    string

	Sync journal.SyncSettings

	ConsentDefaultAllow bool

	QueueDatabasePath string
	QueueMaxAttempts  int
	QueueBaseBackoff  time.Duration
	QueueMaxBackoff   time.Duration

	ClientServerURL string
	ClientID        string
	ClientToken     string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("sync.tolerance_window", journal.DefaultToleranceWindow)
	configViper.SetDefault("sync.wellbeing_types", entryTypeNames(journal.DefaultWellbeingTypes))
	configViper.SetDefault("sync.max_entries_per_request", journal.DefaultMaxEntriesPerRequest)
	configViper.SetDefault("sync.recent_window", journal.DefaultRecentWindow)
	configViper.SetDefault("sync.change_page_size", journal.DefaultChangePageSize)
	configViper.SetDefault("sync.auto_resolve", false)

	configViper.SetDefault("consent.default_allow", true)

	configViper.SetDefault("queue.database_path", defaultQueueDatabasePath)
	configViper.SetDefault("queue.max_attempts", offlinequeue.DefaultMaxAttempts)
	configViper.SetDefault("queue.base_backoff", offlinequeue.DefaultBaseBackoff)
	configViper.SetDefault("queue.max_backoff", offlinequeue.DefaultMaxBackoff)

	configViper.SetDefault("client.server_url", "")
	configViper.SetDefault("client.id", defaultClientID)
}

// Load parses runtime configuration from viper and checks the settings shared by
// every command.
func Load(configViper *viper.Viper) (AppConfig, error) {
	wellbeingTypes, err := entryTypes(splitList(configViper.GetStringSlice("sync.wellbeing_types")))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),

		LogLevel:     configViper.GetString("log.level"),
		LogFile:      configViper.GetString("log.file"),
		LogMaxSizeMB: configViper.GetInt("log.max_size_mb"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		CookieName:    configViper.GetString("auth.cookie_name"),

		Sync: journal.SyncSettings{
			ToleranceWindow:      configViper.GetDuration("sync.tolerance_window"),
			WellbeingTypes:       wellbeingTypes,
			MaxEntriesPerRequest: configViper.GetInt("sync.max_entries_per_request"),
			RecentWindow:         configViper.GetDuration("sync.recent_window"),
			ChangePageSize:       configViper.GetInt("sync.change_page_size"),
			AutoResolve:          configViper.GetBool("sync.auto_resolve"),
		},

		ConsentDefaultAllow: configViper.GetBool("consent.default_allow"),

		QueueDatabasePath: configViper.GetString("queue.database_path"),
		QueueMaxAttempts:  configViper.GetInt("queue.max_attempts"),
		QueueBaseBackoff:  configViper.GetDuration("queue.base_backoff"),
		QueueMaxBackoff:   configViper.GetDuration("queue.max_backoff"),

		ClientServerURL: configViper.GetString("client.server_url"),
		ClientID:        configViper.GetString("client.id"),
		ClientToken:     configViper.GetString("client.token"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateClient checks the settings the queue drainer needs on top of Load.
func (c AppConfig) ValidateClient() error {
	if strings.TrimSpace(c.ClientServerURL) == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client.id is required")
	}
	if strings.TrimSpace(c.ClientToken) == "" {
		return fmt.Errorf("client.token is required")
	}
	if strings.TrimSpace(c.QueueDatabasePath) == "" {
		return fmt.Errorf("queue.database_path is required")
	}
	return nil
}

// ValidateServer checks the settings the API server needs on top of Load.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.Sync.ToleranceWindow < 0 {
		return fmt.Errorf("sync.tolerance_window must not be negative")
	}
	if c.Sync.MaxEntriesPerRequest <= 0 {
		return fmt.Errorf("sync.max_entries_per_request must be positive")
	}
	if c.Sync.ChangePageSize <= 0 {
		return fmt.Errorf("sync.change_page_size must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.QueueBaseBackoff <= 0 || c.QueueMaxBackoff < c.QueueBaseBackoff {
		return fmt.Errorf("queue.base_backoff must be positive and not exceed queue.max_backoff")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env string.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func entryTypeNames(types []journal.EntryType) []string {
	names := make([]string, 0, len(types))
	for _, entryType := range types {
		names = append(names, string(entryType))
	}
	return names
}

func entryTypes(names []string) ([]journal.EntryType, error) {
	types := make([]journal.EntryType, 0, len(names))
	for _, name := range names {
		entryType, err := journal.ParseEntryType(name)
		if err != nil {
			return nil, fmt.Errorf("sync.wellbeing_types: %w", err)
		}
		types = append(types, entryType)
	}
	return types, nil
}
