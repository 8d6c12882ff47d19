// Package config binds command line flags, COWIN_* environment variables and
// .env values into a validated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AlexYaroshenko/cowin-notifier/internal/cowin"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

// EnvPrefix prefixes environment variables mirroring flags, e.g.
// COWIN_CHECK_INTERVAL for --check-interval.
const EnvPrefix = "COWIN"

// Flag names.
const (
	FlagInputCSV          = "input-csv"
	FlagMetadataJSON      = "metadata-json"
	FlagCheckInterval     = "check-interval"
	FlagNotifyGap         = "notify-gap-interval"
	FlagCheckNextWeeks    = "check-next-weeks"
	FlagMinAgeLimit       = "min-age-limit"
	FlagRequireCapacity   = "require-capacity"
	FlagChannel           = "channel"
	FlagHistoryFile       = "history-file"
	FlagAPIBaseURL        = "api-base-url"
	FlagConcurrency       = "concurrency"
	FlagRequestTimeout    = "request-timeout"
	FlagRequestsPerMinute = "requests-per-minute"
	FlagSMTPHost          = "smtp-host"
	FlagStatusAddr        = "status-addr"
	FlagLogFormat         = "log-format"
	FlagDebug             = "debug"
	FlagOnce              = "once"
)

// keys read only from the environment
const (
	keySMTPUser     = "smtp-user"
	keySMTPPassword = "smtp-password"
	keyDatabaseURL  = "database-url"
	keyTablePrefix  = "db-table-prefix"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the runtime configuration of the notifier.
type Config struct {
	InputCSV     string
	MetadataJSON string

	CheckInterval   time.Duration
	NotifyGap       time.Duration
	CheckNextWeeks  int
	MinAgeLimit     int
	RequireCapacity bool
	Channel         registry.Channel

	HistoryFile string
	DatabaseURL string
	TablePrefix string

	APIBaseURL        string
	Concurrency       int
	RequestTimeout    time.Duration
	RequestsPerMinute int

	SMTPHost     string
	SMTPUser     string
	SMTPPassword string

	StatusAddr string
	LogFormat  string
	Debug      bool
	Once       bool
}

// DefaultHistoryPath is ~/.cowin-notif.db, or the working directory when the
// home directory is unknown.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cowin-notif.db"
	}
	return filepath.Join(home, ".cowin-notif.db")
}

// BindFlags declares the notifier flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String(FlagInputCSV, "input.csv", "input csv file of recipients")
	fs.String(FlagMetadataJSON, "metadata.json", "input metadata json of states and districts")
	fs.Float64(FlagCheckInterval, 5, "interval to check the CoWIN server in minutes")
	fs.Float64(FlagNotifyGap, 24, "gap between repeat notifications to a recipient in hours")
	fs.Int(FlagCheckNextWeeks, 4, "check availability for the next N weeks")
	fs.Int(FlagMinAgeLimit, 25, "minimum age limit")
	fs.Bool(FlagRequireCapacity, true, "only count sessions with available capacity")
	fs.String(FlagChannel, string(registry.ChannelSMS), "notification channel: sms or email")
	fs.String(FlagHistoryFile, DefaultHistoryPath(), "notification history file")
	fs.String(FlagAPIBaseURL, cowin.DefaultBaseURL, "CoWIN API base URL")
	fs.Int(FlagConcurrency, 4, "concurrent API requests")
	fs.Duration(FlagRequestTimeout, 10*time.Second, "timeout of a single API request")
	fs.Int(FlagRequestsPerMinute, 90, "API request budget per minute (0 disables throttling)")
	fs.String(FlagSMTPHost, "smtp.gmail.com:587", "SMTP server host:port for the email channel")
	fs.String(FlagStatusAddr, "", "listen address of the status server, empty disables it")
	fs.String(FlagLogFormat, "text", "log format: text or json")
	fs.Bool(FlagDebug, false, "enable debug logging")
	fs.Bool(FlagOnce, false, "run a single cycle and exit")
}

// Load resolves fs against the environment and validates the result.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	// Shared with other tools, so read without the prefix.
	_ = v.BindEnv(keyDatabaseURL, "DATABASE_URL")
	_ = v.BindEnv(keyTablePrefix, "DB_TABLE_PREFIX")

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from resolved keys.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		InputCSV:          v.GetString(FlagInputCSV),
		MetadataJSON:      v.GetString(FlagMetadataJSON),
		CheckInterval:     time.Duration(v.GetFloat64(FlagCheckInterval) * float64(time.Minute)),
		NotifyGap:         time.Duration(v.GetFloat64(FlagNotifyGap) * float64(time.Hour)),
		CheckNextWeeks:    v.GetInt(FlagCheckNextWeeks),
		MinAgeLimit:       v.GetInt(FlagMinAgeLimit),
		RequireCapacity:   v.GetBool(FlagRequireCapacity),
		Channel:           registry.Channel(strings.ToLower(v.GetString(FlagChannel))),
		HistoryFile:       expandHome(v.GetString(FlagHistoryFile)),
		DatabaseURL:       v.GetString(keyDatabaseURL),
		TablePrefix:       v.GetString(keyTablePrefix),
		APIBaseURL:        strings.TrimRight(v.GetString(FlagAPIBaseURL), "/"),
		Concurrency:       v.GetInt(FlagConcurrency),
		RequestTimeout:    v.GetDuration(FlagRequestTimeout),
		RequestsPerMinute: v.GetInt(FlagRequestsPerMinute),
		SMTPHost:          v.GetString(FlagSMTPHost),
		SMTPUser:          v.GetString(keySMTPUser),
		SMTPPassword:      v.GetString(keySMTPPassword),
		StatusAddr:        v.GetString(FlagStatusAddr),
		LogFormat:         strings.ToLower(v.GetString(FlagLogFormat)),
		Debug:             v.GetBool(FlagDebug),
		Once:              v.GetBool(FlagOnce),
	}
}

// Validate rejects values the notifier cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", FlagCheckInterval))
	}
	if c.NotifyGap <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", FlagNotifyGap))
	}
	if c.CheckNextWeeks <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", FlagCheckNextWeeks))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", FlagConcurrency))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", FlagRequestTimeout))
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("--%s must not be negative", FlagRequestsPerMinute))
	}
	switch c.Channel {
	case registry.ChannelSMS, registry.ChannelEmail:
	default:
		errs = append(errs, fmt.Errorf("--%s %q is not sms or email", FlagChannel, c.Channel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("--%s %q is not text or json", FlagLogFormat, c.LogFormat))
	}
	if c.HistoryFile == "" && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("--%s must not be empty", FlagHistoryFile))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
