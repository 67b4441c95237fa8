package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/badgebus/pkg/event"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().ValidateConfig())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badgebus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("regionName: CustomRegion\nqueueCapacity: 64\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CustomRegion", cfg.RegionName)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, Defaults().RegionSize, cfg.RegionSize) // untouched field keeps its default
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badgebus.toml")
	require.NoError(t, os.WriteFile(path, []byte("regionName = \"TomlRegion\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "TomlRegion", cfg.RegionName)
}

func TestLoadRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badgebus.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("BADGEBUS_REGION_NAME", "EnvRegion")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "EnvRegion", cfg.RegionName)
}

func TestValidateRejectsUnknownIconKind(t *testing.T) {
	cfg := Defaults()
	cfg.Icons = []IconEntry{{Kind: "Bogus", IconResourcePath: "x"}}
	err := cfg.ValidateConfig()
	assert.ErrorIs(t, err, errValidation)
}

func TestIconTableMapsKnownKinds(t *testing.T) {
	table := Defaults().IconTable()
	assert.Equal(t, "badges.dll,1", table[event.BadgeSynced])
	assert.Len(t, table, 4)
}

func TestWatcherReloadsIconTableOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icons.yaml")
	require.NoError(t, os.WriteFile(path, []byte("icons:\n  - kind: Synced\n    iconResourcePath: \"v1.dll,1\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	loaded := make(chan []IconEntry, 4)
	w, err := NewWatcher(path, cfg, nil, func(icons []IconEntry) { loaded <- icons })
	require.NoError(t, err)

	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	require.NoError(t, os.WriteFile(path, []byte("icons:\n  - kind: Synced\n    iconResourcePath: \"v2.dll,1\"\n"), 0o644))

	select {
	case icons := <-loaded:
		require.Len(t, icons, 1)
		assert.Equal(t, "v2.dll,1", icons[0].IconResourcePath)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never observed the rewrite")
	}

	assert.Equal(t, "v2.dll,1", w.Icons()[0].IconResourcePath)
}
