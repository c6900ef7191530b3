package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/jobtrail/internal/remote/httpremote"
	"github.com/starford/jobtrail/internal/scheduler"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Remote kinds.
const (
	RemoteNone = "none"
	RemoteDir  = "dir"
	RemoteHTTP = "http"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Sync      SyncConfig        `yaml:"sync"`
	Remote    RemoteConfig      `yaml:"remote"`
	Calendar  CalendarConfig    `yaml:"calendar"`
	Reminders RemindersConfig   `yaml:"reminders"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Remote.Validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Calendar.Validate(); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if err := c.Reminders.Validate(); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	if c.Calendar.Enabled && c.Remote.Kind != RemoteNone && c.Calendar.Name == c.Remote.Name {
		return fmt.Errorf("calendar: name %q is already used by the remote", c.Calendar.Name)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	Log      LogConfig  `yaml:"log"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// LogConfig selects the log sink. An empty File logs to stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate validates the log configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration for the local API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// SyncConfig selects when sync cycles run.
type SyncConfig struct {
	Mode                    string `yaml:"mode"`
	PeriodicIntervalSeconds int    `yaml:"periodic_interval_seconds"`
	DebounceSeconds         int    `yaml:"debounce_seconds"`
	CallTimeoutSeconds      int    `yaml:"call_timeout_seconds"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = string(scheduler.LocalOnly)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(
			string(scheduler.LocalOnly), string(scheduler.OnChange), string(scheduler.Periodic))),
		validation.Field(&c.PeriodicIntervalSeconds,
			validation.When(c.Mode == string(scheduler.Periodic), validation.Required),
			validation.Min(0)),
		validation.Field(&c.DebounceSeconds, validation.Min(0)),
		validation.Field(&c.CallTimeoutSeconds, validation.Min(0)),
	)
}

// Scheduler converts the section into a scheduler configuration.
func (c *SyncConfig) Scheduler() scheduler.Config {
	return scheduler.Config{
		Policy:   scheduler.Policy(c.Mode),
		Debounce: time.Duration(c.DebounceSeconds) * time.Second,
		Interval: time.Duration(c.PeriodicIntervalSeconds) * time.Second,
	}
}

// CallTimeout bounds each adapter call.
func (c *SyncConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CredentialsConfig is the credentials handle for an HTTP remote.
type CredentialsConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	RefreshToken string `yaml:"refresh_token"`
	AccessToken  string `yaml:"access_token"`
}

// Validate validates the credentials.
func (c *CredentialsConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.TokenURL, is.URL),
	); err != nil {
		return err
	}
	if c.RefreshToken != "" && c.TokenURL == "" {
		return errors.New("credentials: refresh_token needs token_url")
	}
	return nil
}

// HTTPRemote converts the handle for the httpremote adapter.
func (c *CredentialsConfig) HTTPRemote() httpremote.Credentials {
	return httpremote.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
	}
}

// RemoteConfig selects the primary remote.
type RemoteConfig struct {
	Kind string           `yaml:"kind"`
	Name string           `yaml:"name"`
	Dir  DirRemoteConfig  `yaml:"dir"`
	HTTP HTTPRemoteConfig `yaml:"http"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	if c.Kind == "" {
		c.Kind = RemoteNone
	}
	if c.Name == "" {
		c.Name = c.Kind
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Kind, validation.In(RemoteNone, RemoteDir, RemoteHTTP)),
	); err != nil {
		return err
	}
	switch c.Kind {
	case RemoteDir:
		return c.Dir.Validate()
	case RemoteHTTP:
		return c.HTTP.Validate()
	}
	return nil
}

// DirRemoteConfig configures a Markdown folder remote.
type DirRemoteConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
	// QuietMillis is how long the folder must stay quiet before external
	// changes trigger a sync.
	QuietMillis int `yaml:"quiet_millis"`
}

// Validate validates the folder remote configuration.
func (c *DirRemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.QuietMillis, validation.Min(0)),
	)
}

// HTTPRemoteConfig configures a REST remote.
type HTTPRemoteConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// Validate validates the REST remote configuration.
func (c *HTTPRemoteConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
	); err != nil {
		return err
	}
	return c.Credentials.Validate()
}

// CalendarConfig configures the optional calendar remote for interviews.
type CalendarConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Name        string            `yaml:"name"`
	BaseURL     string            `yaml:"base_url"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// Validate validates the calendar configuration.
func (c *CalendarConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Name == "" {
		c.Name = "calendar"
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
	); err != nil {
		return err
	}
	return c.Credentials.Validate()
}

// RemindersConfig controls the background reminder checker, which pushes
// due reminders to SSE clients as "reminder" events.
type RemindersConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	// FollowUpHour is the local hour from which the daily follow-up
	// reminder may go out.
	FollowUpHour int `yaml:"follow_up_hour"`
}

// Validate validates the reminders configuration.
func (c *RemindersConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.IntervalSeconds, validation.Min(0)),
		validation.Field(&c.FollowUpHour, validation.Min(0), validation.Max(23)),
	)
}

// Interval returns the check interval; zero selects the checker default.
func (c *RemindersConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			Log: LogConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./jobtrail.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Sync: SyncConfig{
			Mode:               string(scheduler.LocalOnly),
			DebounceSeconds:    3,
			CallTimeoutSeconds: 30,
		},
		Remote: RemoteConfig{
			Kind: RemoteNone,
		},
		Reminders: RemindersConfig{
			Enabled:         true,
			IntervalSeconds: 300,
			FollowUpHour:    9,
		},
	}
}
