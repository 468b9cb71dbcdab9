package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/arion/pkg/log"
)

func TestLoadConfigDefaultsWithNoFileOrOverride(t *testing.T) {
	cfg, err := loadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, log.Info, cfg.LogLevel)
	assert.False(t, cfg.EnableSleepSyscalls)
}

func TestLoadConfigLogLevelOverrideWinsOverDefault(t *testing.T) {
	cfg, err := loadConfig("", "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, log.Debug, cfg.LogLevel)
}

func TestLoadConfigRejectsUnknownLogLevel(t *testing.T) {
	_, err := loadConfig("", "not-a-level")
	assert.Error(t, err)
}

func TestLoadConfigReadsFileAndAppliesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arion.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_lvl = \"WARN\"\nenable_sleep_syscalls = true\n"), 0o644))

	cfg, err := loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, log.Warn, cfg.LogLevel)
	assert.True(t, cfg.EnableSleepSyscalls)

	cfg, err = loadConfig(path, "ERROR")
	require.NoError(t, err)
	assert.Equal(t, log.Error, cfg.LogLevel)
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), "")
	assert.Error(t, err)
}

func TestParseArchAcceptsKnownNames(t *testing.T) {
	_, err := parseArch("X86-64")
	assert.NoError(t, err)
}

func TestParseArchRejectsUnknownName(t *testing.T) {
	_, err := parseArch("not-an-arch")
	assert.Error(t, err)
}
