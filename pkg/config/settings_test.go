package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRosterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := &Store{dir: dir}

	roster, err := store.LoadRoster()
	require.NoError(t, err)
	assert.Equal(t, "", roster.Hostname)
	assert.Empty(t, roster.Taskspaces)

	roster = Roster{
		Hostname:        "build-box",
		ActiveTaskSpace: "7e6ef5ac-0000-4000-8000-0000000c0c12",
		Taskspaces: []TaskspaceSummary{
			{
				UUID:          "7e6ef5ac-0000-4000-8000-0000000c0c12",
				Name:          "Alpha",
				Port:          45137,
				ServerDataDir: "taskspaces/taskspace-7e6ef5ac.../server-data",
				LastSeen:      time.Now().UTC().Truncate(time.Second),
				Extensions: ExtensionManifest{
					Marketplace: []string{"golang.go"},
				},
			},
		},
	}
	require.NoError(t, store.SaveRoster(roster))

	reloaded, err := store.LoadRoster()
	require.NoError(t, err)
	assert.Equal(t, roster.Hostname, reloaded.Hostname)
	assert.Equal(t, roster.ActiveTaskSpace, reloaded.ActiveTaskSpace)
	require.Len(t, reloaded.Taskspaces, 1)
	assert.Equal(t, roster.Taskspaces[0].UUID, reloaded.Taskspaces[0].UUID)
	assert.Equal(t, roster.Taskspaces[0].Port, reloaded.Taskspaces[0].Port)
}

func TestStoreLoadRosterMissingFileIsEmpty(t *testing.T) {
	store := &Store{dir: t.TempDir()}

	roster, err := store.LoadRoster()
	require.NoError(t, err)
	assert.Empty(t, roster.Taskspaces)
	assert.Equal(t, "", roster.ActiveTaskSpace)
}

func TestStoreSaveRosterIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := &Store{dir: dir}

	require.NoError(t, store.SaveRoster(Roster{Hostname: "h1"}))

	// no stray temp files should remain after a successful write
	matches, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPreferencesDefaultsThenRoundTrip(t *testing.T) {
	store := &Store{dir: t.TempDir()}

	prefs, err := store.LoadPreferences()
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences(), prefs)

	prefs.DefaultHost = "build-box"
	require.NoError(t, store.SavePreferences(prefs))

	reloaded, err := store.LoadPreferences()
	require.NoError(t, err)
	assert.Equal(t, "build-box", reloaded.DefaultHost)
	assert.Equal(t, prefs.TaskctlBinaryName, reloaded.TaskctlBinaryName)
}
