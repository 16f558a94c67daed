// Package config owns the local per-user data directory: the two JSON
// files spec.md §6/§4.7 mandates (settings.json, taskspaces.json) plus
// an ambient preferences.yml (SPEC_FULL.md §3.3) that spec.md does not
// require but does not forbid either.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
)

const (
	settingsFile = "settings.json"
	rosterFile   = "taskspaces.json"
)

// Settings is the local settings.json file: at minimum the configured
// host identifier, per spec.md §4.7.
type Settings struct {
	Hostname string `json:"hostname"`
}

// ExtensionManifest is the ordered pair of marketplace identifiers and
// uploaded package file names installed into a taskspace, per spec.md §3.
type ExtensionManifest struct {
	Marketplace []string `json:"marketplace,omitempty"`
	Uploaded    []string `json:"uploaded,omitempty"`
}

// TaskspaceSummary is one roster entry, per spec.md §6 "Persisted roster
// schema".
type TaskspaceSummary struct {
	UUID          string            `json:"uuid"`
	Name          string            `json:"name"`
	Port          int               `json:"port"`
	ServerDataDir string            `json:"serverDataDir"`
	LastSeen      time.Time         `json:"lastSeen"`
	Extensions    ExtensionManifest `json:"extensions"`
}

// Roster is the local taskspaces.json file, per spec.md §3 "Taskspace
// roster" and §6.
type Roster struct {
	Hostname        string             `json:"hostname"`
	ActiveTaskSpace string             `json:"activeTaskSpaceUuid,omitempty"`
	Taskspaces      []TaskspaceSummary `json:"taskspaces"`
}

// Store reads and atomically rewrites Settings and Roster under a single
// per-user data directory. Read errors are tolerated as empty per
// spec.md §7; write errors are returned so the caller can log them
// without losing the in-memory mutation (spec.md §9 open question).
type Store struct {
	dir string
}

// NewStore resolves (and creates) the local data directory via
// OpenPeeDeeP/xdg, matching pkg/config/app_config.go's
// findOrCreateConfigDir. appName is used as the XDG project name.
func NewStore(appName string) (*Store, error) {
	dir := os.Getenv("THEOLDSWITCHEROO_DATA_DIR")
	if dir == "" {
		dirs := xdg.New("", appName)
		dir = dirs.DataHome()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the resolved local data directory.
func (s *Store) Dir() string { return s.dir }

// LoadSettings reads settings.json, tolerating its absence.
func (s *Store) LoadSettings() (Settings, error) {
	var out Settings
	if err := readJSON(filepath.Join(s.dir, settingsFile), &out); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// SaveSettings atomically rewrites settings.json.
func (s *Store) SaveSettings(settings Settings) error {
	return writeJSONAtomic(filepath.Join(s.dir, settingsFile), settings)
}

// LoadRoster reads taskspaces.json, tolerating its absence (returns a
// Roster with no taskspaces and no error).
func (s *Store) LoadRoster() (Roster, error) {
	roster := Roster{Taskspaces: []TaskspaceSummary{}}
	if err := readJSON(filepath.Join(s.dir, rosterFile), &roster); err != nil {
		return Roster{}, err
	}
	if roster.Taskspaces == nil {
		roster.Taskspaces = []TaskspaceSummary{}
	}
	return roster, nil
}

// SaveRoster atomically rewrites taskspaces.json.
func (s *Store) SaveRoster(roster Roster) error {
	return writeJSONAtomic(filepath.Join(s.dir, rosterFile), roster)
}

func readJSON(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nil // tolerated as empty, per spec.md §7
	}
	if len(content) == 0 {
		return nil
	}
	return json.Unmarshal(content, out)
}

// writeJSONAtomic creates the parent directory if needed, writes the
// whole file to a temp path, then renames it into place, per spec.md
// §4.7 "Both are rewritten atomically on every update".
func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
