package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"communitybot/internal/filestore"
	"communitybot/internal/model"
)

const (
	DefaultTimezone  = "Europe/Vilnius"
	DefaultListen    = "127.0.0.1:8080"
	DefaultTick      = "@every 1m"
	DefaultTolerance = 1
	DefaultPlatform  = PlatformDiscord

	// ExampleCatalogPath is written into a freshly created config file.
	ExampleCatalogPath = "./data/events.json"

	PlatformDiscord = "discord"
	PlatformLark    = "lark"

	OptInDriverFile   = "file"
	OptInDriverSQLite = "sqlite"

	envPrefix = "COMMUNITYBOT"
)

// ICSConfig describes a single ICS subscription feeding the event catalog.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// CatalogConfig selects where events come from. Path and ICS may both be set;
// their events are merged.
type CatalogConfig struct {
	// Path is a JSON or YAML document holding the event list.
	Path string `yaml:"path" json:"path"`
	// ICS feeds, expanded over HorizonDays.
	ICS         []ICSConfig `yaml:"ics" json:"ics"`
	CacheDir    string      `yaml:"cache_dir" json:"cache_dir"`
	HorizonDays int         `yaml:"horizon_days" json:"horizon_days"`
}

type OptInConfig struct {
	// Driver is "file" (JSON document) or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

type DiscordConfig struct {
	Token          string `yaml:"token" json:"-"`
	GuildID        string `yaml:"guild_id" json:"guild_id"`
	WelcomeChannel string `yaml:"welcome_channel" json:"welcome_channel"`
	InfoChannel    string `yaml:"info_channel" json:"info_channel"`
	// InfoMessage is pinned once in InfoChannel.
	InfoMessage string `yaml:"info_message" json:"info_message"`
}

type LarkConfig struct {
	AppID     string `yaml:"app_id" json:"app_id"`
	AppSecret string `yaml:"app_secret" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the admin API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the admin API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Environment is "production" or "development"; it picks the log encoder.
	Environment string `yaml:"environment" json:"environment"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA zone used for "now" and for implicit event starts.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Tick is the cron spec driving the reminder evaluator.
	Tick string `yaml:"tick" json:"tick"`

	// ToleranceMinutes is the ± window around each threshold.
	ToleranceMinutes int `yaml:"tolerance_minutes" json:"tolerance_minutes"`

	// Thresholds are evaluated in order on every tick.
	Thresholds []model.Threshold `yaml:"thresholds" json:"thresholds"`

	// ReminderChannel receives reminder announcements. Empty disables them.
	ReminderChannel string `yaml:"reminder_channel" json:"reminder_channel"`

	// Platform is "discord" or "lark".
	Platform string `yaml:"platform" json:"platform"`

	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`
	OptIn   OptInConfig   `yaml:"optin" json:"optin"`
	Discord DiscordConfig `yaml:"discord" json:"discord"`
	Lark    LarkConfig    `yaml:"lark" json:"lark"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverrides mirrors the settings that may come from the environment.
// Unset variables leave the file value alone.
type envOverrides struct {
	Environment     string `envconfig:"ENVIRONMENT"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	Listen          string `envconfig:"LISTEN"`
	Timezone        string `envconfig:"TIMEZONE"`
	Tick            string `envconfig:"TICK"`
	Tolerance       *int   `envconfig:"TOLERANCE_MINUTES"`
	Thresholds      string `envconfig:"THRESHOLDS"`
	ReminderChannel string `envconfig:"REMINDER_CHANNEL"`
	Platform        string `envconfig:"PLATFORM"`
	CatalogPath     string `envconfig:"CATALOG_PATH"`
	OptInDriver     string `envconfig:"OPTIN_DRIVER"`
	OptInPath       string `envconfig:"OPTIN_PATH"`
	DiscordToken    string `envconfig:"DISCORD_TOKEN"`
	DiscordGuildID  string `envconfig:"DISCORD_GUILD_ID"`
	LarkAppID       string `envconfig:"LARK_APP_ID"`
	LarkAppSecret   string `envconfig:"LARK_APP_SECRET"`
}

func defaultThresholds() []model.Threshold {
	return []model.Threshold{{Label: "24h", MinutesBefore: 24 * 60}}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           DefaultListen,
		Environment:      "development",
		LogLevel:         "info",
		Timezone:         DefaultTimezone,
		Tick:             DefaultTick,
		ToleranceMinutes: DefaultTolerance,
		Thresholds:       defaultThresholds(),
		Platform:         DefaultPlatform,
		Catalog: CatalogConfig{
			ICS:         []ICSConfig{},
			CacheDir:    "./data/ics-cache",
			HorizonDays: 30,
		},
		// Path is derived from the driver in Normalize.
		OptIn: OptInConfig{Driver: OptInDriverFile},
	}
}

// Normalize fills in missing/zero values with defaults and drops thresholds
// that can never fire.
func (c *Config) Normalize() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Tick == "" {
		c.Tick = DefaultTick
	}
	if c.ToleranceMinutes < 0 {
		c.ToleranceMinutes = DefaultTolerance
	}

	valid := make([]model.Threshold, 0, len(c.Thresholds))
	for _, th := range c.Thresholds {
		th.Label = strings.TrimSpace(th.Label)
		if th.Label == "" || th.MinutesBefore < 0 {
			continue
		}
		valid = append(valid, th)
	}
	if len(valid) == 0 {
		valid = defaultThresholds()
	}
	c.Thresholds = valid

	switch c.Platform {
	case PlatformDiscord, PlatformLark:
	default:
		c.Platform = DefaultPlatform
	}

	if c.Catalog.ICS == nil {
		c.Catalog.ICS = []ICSConfig{}
	}
	if c.Catalog.CacheDir == "" {
		c.Catalog.CacheDir = "./data/ics-cache"
	}
	if c.Catalog.HorizonDays <= 0 {
		c.Catalog.HorizonDays = 30
	}

	switch c.OptIn.Driver {
	case OptInDriverFile, OptInDriverSQLite:
	default:
		c.OptIn.Driver = OptInDriverFile
	}
	if c.OptIn.Path == "" {
		if c.OptIn.Driver == OptInDriverSQLite {
			c.OptIn.Path = "./data/optin.db"
		} else {
			c.OptIn.Path = "./data/optin.json"
		}
	}
}

// Load loads configuration from the given YAML path and applies environment
// overrides.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - If the file exists it is unmarshalled and normalized.
//   - COMMUNITYBOT_* environment variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Start from defaults so omitted keys keep their default values.
		cfg = DefaultConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		cfg.Catalog.Path = ExampleCatalogPath
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	default:
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overlays COMMUNITYBOT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("config: failed to process env: %w", err)
	}

	setIf(&cfg.Environment, env.Environment)
	setIf(&cfg.LogLevel, env.LogLevel)
	setIf(&cfg.Listen, env.Listen)
	setIf(&cfg.Timezone, env.Timezone)
	setIf(&cfg.Tick, env.Tick)
	setIf(&cfg.ReminderChannel, env.ReminderChannel)
	setIf(&cfg.Platform, env.Platform)
	setIf(&cfg.Catalog.Path, env.CatalogPath)
	setIf(&cfg.OptIn.Driver, env.OptInDriver)
	setIf(&cfg.OptIn.Path, env.OptInPath)
	setIf(&cfg.Discord.Token, env.DiscordToken)
	setIf(&cfg.Discord.GuildID, env.DiscordGuildID)
	setIf(&cfg.Lark.AppID, env.LarkAppID)
	setIf(&cfg.Lark.AppSecret, env.LarkAppSecret)
	if env.Tolerance != nil {
		cfg.ToleranceMinutes = *env.Tolerance
	}
	if env.Thresholds != "" {
		ths, err := ParseThresholds(env.Thresholds)
		if err != nil {
			return err
		}
		cfg.Thresholds = ths
	}
	return nil
}

// ParseThresholds parses "label:minutes,label:minutes", e.g. "24h:1440,2h:120".
func ParseThresholds(s string) ([]model.Threshold, error) {
	var out []model.Threshold
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, mins, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("config: threshold %q: want label:minutes", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(mins))
		if err != nil {
			return nil, fmt.Errorf("config: threshold %q: %w", part, err)
		}
		out = append(out, model.Threshold{Label: strings.TrimSpace(label), MinutesBefore: n})
	}
	return out, nil
}

// ResolveLocation loads the named IANA zone. An unknown name falls back to
// DefaultTimezone, then to time.Local; the bool is false whenever a fallback
// was used.
func ResolveLocation(name string) (*time.Location, bool) {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, true
		}
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc, false
	}
	return time.Local, false
}

// FeedID is the identifier used for the feed's log lines and event IDs.
func (c ICSConfig) FeedID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Name
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return filestore.AtomicWrite(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
