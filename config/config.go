// Package config loads the settings of the display server from a TOML
// file found in the XDG config directories.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/kmsdisplay/fb"
)

// RelPath is where the config file lives below an XDG config directory.
const RelPath = "kmsdisplay/config.toml"

// Duration is a time.Duration written as a string such as "2ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	// Devices are the DRM card indices to drive.
	Devices []int `toml:"devices"`
	// BufferBackend is one of "dumb", "gbm" or "dmabuf".
	BufferBackend  string   `toml:"buffer_backend"`
	HardwareCursor bool     `toml:"hardware_cursor"`
	RenderBudget   Duration `toml:"render_time_budget"`
	// CursorSize is used when the driver does not report its cursor
	// plane size.
	CursorSize int    `toml:"cursor_size"`
	Hotplug    bool   `toml:"hotplug"`
	Logind     bool   `toml:"logind"`
	LogLevel   string `toml:"log_level"`
}

func Default() Config {
	return Config{
		Devices:        []int{0},
		BufferBackend:  fb.CPUAddressable.String(),
		HardwareCursor: true,
		RenderBudget:   Duration{2 * time.Millisecond},
		CursorSize:     64,
		Hotplug:        true,
		LogLevel:       "info",
	}
}

// Load decodes the file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logrus.WithField("keys", strings.Join(keys, ",")).Warn("unknown config keys ignored")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the config file from the XDG config directories, or
// returns the defaults when there is none.
func LoadDefault() (Config, error) {
	path, err := xdg.SearchConfigFile(RelPath)
	if err != nil {
		logrus.WithField("file", RelPath).Debug("no config file, using defaults")
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("no devices configured")
	}
	if _, err := c.Backend(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.CursorSize < 0 {
		return fmt.Errorf("invalid cursor size %d", c.CursorSize)
	}
	if c.RenderBudget.Duration < 0 {
		return fmt.Errorf("invalid render time budget %v", c.RenderBudget)
	}
	return nil
}

func (c Config) Backend() (fb.Kind, error) {
	return fb.ParseKind(c.BufferBackend)
}

func (c Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}
