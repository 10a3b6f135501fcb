package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeowayLabs/kmsdisplay/config"
	"github.com/NeowayLabs/kmsdisplay/fb"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{0}, cfg.Devices)
	assert.True(t, cfg.HardwareCursor)
	assert.Equal(t, 2*time.Millisecond, cfg.RenderBudget.Duration)

	kind, err := cfg.Backend()
	require.NoError(t, err)
	assert.Equal(t, fb.CPUAddressable, kind)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
devices = [0, 1]
buffer_backend = "gbm"
hardware_cursor = false
render_time_budget = "4ms"
log_level = "debug"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cfg.Devices)
	assert.False(t, cfg.HardwareCursor)
	assert.Equal(t, 4*time.Millisecond, cfg.RenderBudget.Duration)
	assert.Equal(t, 64, cfg.CursorSize, "defaults fill what the file leaves out")
	assert.True(t, cfg.Hotplug)

	kind, _ := cfg.Backend()
	assert.Equal(t, fb.GBM, kind)
	level, _ := cfg.Level()
	assert.Equal(t, logrus.DebugLevel, level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"backend":  `buffer_backend = "vulkan"`,
		"level":    `log_level = "loud"`,
		"duration": `render_time_budget = "soon"`,
		"devices":  `devices = []`,
		"cursor":   `cursor_size = -1`,
		"syntax":   `devices = [`,
	} {
		_, err := config.Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}

func TestLoadWarnsAboutUnknownKeys(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	_, err := config.Load(writeConfig(t, `colour = "blue"`))
	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "colour", hook.LastEntry().Data["keys"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
