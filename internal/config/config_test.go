package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"communitybot/internal/model"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, cfg.Timezone)
	assert.Equal(t, []model.Threshold{{Label: "24h", MinutesBefore: 1440}}, cfg.Thresholds)
	assert.Equal(t, 1, cfg.ToleranceMinutes)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadReadsYAMLAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
timezone: America/New_York
reminder_channel: "1234"
platform: carrier-pigeon
thresholds:
  - label: 24h
    minutes_before: 1440
  - label: ""
    minutes_before: 60
  - label: 2h
    minutes_before: 120
  - label: bogus
    minutes_before: -5
optin:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "1234", cfg.ReminderChannel)
	assert.Equal(t, PlatformDiscord, cfg.Platform)
	assert.Equal(t, []model.Threshold{
		{Label: "24h", MinutesBefore: 1440},
		{Label: "2h", MinutesBefore: 120},
	}, cfg.Thresholds)
	assert.Equal(t, "./data/optin.db", cfg.OptIn.Path)
	assert.Equal(t, DefaultTick, cfg.Tick)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: [::"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	t.Setenv("COMMUNITYBOT_TIMEZONE", "UTC")
	t.Setenv("COMMUNITYBOT_REMINDER_CHANNEL", "announcements")
	t.Setenv("COMMUNITYBOT_TOLERANCE_MINUTES", "0")
	t.Setenv("COMMUNITYBOT_THRESHOLDS", "24h:1440, 2h:120")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "announcements", cfg.ReminderChannel)
	assert.Equal(t, 0, cfg.ToleranceMinutes)
	assert.Len(t, cfg.Thresholds, 2)
	assert.Equal(t, 120, cfg.Thresholds[1].MinutesBefore)
}

func TestParseThresholds(t *testing.T) {
	ths, err := ParseThresholds("24h:1440,,1w:10080")
	require.NoError(t, err)
	assert.Equal(t, []model.Threshold{
		{Label: "24h", MinutesBefore: 1440},
		{Label: "1w", MinutesBefore: 10080},
	}, ths)

	_, err = ParseThresholds("24h")
	assert.Error(t, err)
	_, err = ParseThresholds("24h:soon")
	assert.Error(t, err)
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reminder_channel: general\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, cfg.ToleranceMinutes)
	assert.Equal(t, OptInDriverFile, cfg.OptIn.Driver)
	assert.Equal(t, "general", cfg.ReminderChannel)
}

func TestResolveLocation(t *testing.T) {
	loc, ok := ResolveLocation("America/New_York")
	assert.True(t, ok)
	assert.Equal(t, "America/New_York", loc.String())

	loc, ok = ResolveLocation("Mars/Olympus_Mons")
	assert.False(t, ok)
	assert.Equal(t, DefaultTimezone, loc.String())

	loc, ok = ResolveLocation("")
	assert.False(t, ok)
	assert.Equal(t, DefaultTimezone, loc.String())
}

func TestICSFeedID(t *testing.T) {
	assert.Equal(t, "club", ICSConfig{ID: "club", Name: "Club calendar"}.FeedID())
	assert.Equal(t, "Club calendar", ICSConfig{Name: "Club calendar"}.FeedID())
	assert.Equal(t, "", ICSConfig{URL: "https://example.com/a.ics"}.FeedID())
}

func TestLoadICSOnlyCatalogHasNoFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog:\n  ics:\n    - url: https://example.com/club.ics\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Catalog.Path)
	require.Len(t, cfg.Catalog.ICS, 1)

	first, err := Load(filepath.Join(t.TempDir(), "fresh.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ExampleCatalogPath, first.Catalog.Path)
}
