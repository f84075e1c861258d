package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	errs "github.com/mikequentel/notesky/internal/errors"
	"github.com/mikequentel/notesky/internal/model"
)

const (
	DefaultDBPath          = "./notesky.sqlite"
	DefaultService         = "https://bsky.social"
	DefaultPreviewDebounce = 500 * time.Millisecond
	DefaultHTTPTimeout     = 20 * time.Second
)

// Config is read from the environment once at startup.
type Config struct {
	DBPath  string
	Service string
	DryRun  bool

	// PreviewDebounce is the quiet period before a link preview is fetched.
	PreviewDebounce time.Duration
	HTTPTimeout     time.Duration

	LogLevel string
	LogDev   bool

	// Env holds settings given through the environment. Non-empty fields
	// win over the stored settings.
	Env model.Settings
}

// Load reads NOTESKY_* variables, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:   envOr("NOTESKY_DB", DefaultDBPath),
		Service:  envOr("NOTESKY_SERVICE", DefaultService),
		DryRun:   os.Getenv("DRY_RUN") == "1",
		LogLevel: envOr("NOTESKY_LOG_LEVEL", "info"),
		LogDev:   os.Getenv("NOTESKY_LOG_DEV") == "1",
		Env: model.Settings{
			Handle:          os.Getenv("NOTESKY_HANDLE"),
			AppPassword:     os.Getenv("NOTESKY_APP_PASSWORD"),
			DefaultHashtags: os.Getenv("NOTESKY_DEFAULT_HASHTAGS"),
		},
	}

	var err error
	if cfg.PreviewDebounce, err = envDuration("NOTESKY_PREVIEW_DEBOUNCE", DefaultPreviewDebounce); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = envDuration("NOTESKY_HTTP_TIMEOUT", DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply overlays the environment settings on stored.
func (c *Config) Apply(stored model.Settings) model.Settings {
	out := stored
	if c.Env.Handle != "" {
		out.Handle = c.Env.Handle
	}
	if c.Env.AppPassword != "" {
		out.AppPassword = c.Env.AppPassword
	}
	if c.Env.DefaultHashtags != "" {
		out.DefaultHashtags = c.Env.DefaultHashtags
	}
	return out
}

var validate = validator.New()

// ValidateSettings fails with a configuration error naming the first
// missing credential.
func ValidateSettings(s model.Settings) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return errs.NewConfiguration(settingName(ve[0].Field()))
	}
	return errs.NewConfiguration("settings")
}

func settingName(field string) string {
	switch field {
	case "Handle":
		return "handle"
	case "AppPassword":
		return "app password"
	}
	return strings.ToLower(field)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, d)
	}
	return d, nil
}
