package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexYaroshenko/cowin-notifier/internal/cowin"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, "input.csv", cfg.InputCSV)
	assert.Equal(t, "metadata.json", cfg.MetadataJSON)
	assert.Equal(t, 5*time.Minute, cfg.CheckInterval)
	assert.Equal(t, 24*time.Hour, cfg.NotifyGap)
	assert.Equal(t, 4, cfg.CheckNextWeeks)
	assert.Equal(t, 25, cfg.MinAgeLimit)
	assert.True(t, cfg.RequireCapacity)
	assert.Equal(t, registry.ChannelSMS, cfg.Channel)
	assert.Equal(t, DefaultHistoryPath(), cfg.HistoryFile)
	assert.Equal(t, cowin.DefaultBaseURL, cfg.APIBaseURL)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 90, cfg.RequestsPerMinute)
	assert.Equal(t, "smtp.gmail.com:587", cfg.SMTPHost)
	assert.Empty(t, cfg.StatusAddr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.Once)
}

func TestFlagsParseFractions(t *testing.T) {
	cfg, err := parse(t, "--check-interval=0.5", "--notify-gap-interval=1.5", "--require-capacity=false", "--channel=EMAIL")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, 90*time.Minute, cfg.NotifyGap)
	assert.False(t, cfg.RequireCapacity)
	assert.Equal(t, registry.ChannelEmail, cfg.Channel)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("COWIN_MIN_AGE_LIMIT", "45")
	t.Setenv("COWIN_SMTP_USER", "alerts@example.com")
	t.Setenv("COWIN_SMTP_PASSWORD", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/cowin")
	t.Setenv("DB_TABLE_PREFIX", "staging_")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.MinAgeLimit)
	assert.Equal(t, "alerts@example.com", cfg.SMTPUser)
	assert.Equal(t, "secret", cfg.SMTPPassword)
	assert.Equal(t, "postgres://localhost/cowin", cfg.DatabaseURL)
	assert.Equal(t, "staging_", cfg.TablePrefix)
}

func TestFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("COWIN_MIN_AGE_LIMIT", "45")
	cfg, err := parse(t, "--min-age-limit=18")
	require.NoError(t, err)
	assert.Equal(t, 18, cfg.MinAgeLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero interval", []string{"--check-interval=0"}},
		{"negative gap", []string{"--notify-gap-interval=-1"}},
		{"no weeks", []string{"--check-next-weeks=0"}},
		{"unknown channel", []string{"--channel=pigeon"}},
		{"unknown log format", []string{"--log-format=xml"}},
		{"no concurrency", []string{"--concurrency=0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "notif.db"), expandHome("~/notif.db"))
	assert.Equal(t, "/var/lib/notif.db", expandHome("/var/lib/notif.db"))
}
