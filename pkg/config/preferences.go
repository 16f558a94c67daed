package config

import (
	"os"
	"path/filepath"

	yaml "github.com/jesseduffield/yaml"
)

// Preferences is an ambient, non-spec.md config surface (SPEC_FULL.md
// §3.3): user-facing defaults that never travel over the bus and are
// not part of the roster/settings contract in spec.md §6.
type Preferences struct {
	// DefaultHost is a stored default host identifier. The controller
	// binary does not read it; it takes the host from --host only.
	DefaultHost string `yaml:"defaultHost,omitempty"`

	// TaskctlBinaryName is a stored name for the CLI wrapper script under
	// bin/ on the remote host (spec.md §6). The installer does not read
	// it; the wrapper is always installed at TaskctlWrapperPath.
	TaskctlBinaryName string `yaml:"taskctlBinaryName,omitempty"`

	// Color is a stored ANSI-color preference for taskctl (true means
	// colored). taskctl does not read it; its send confirmation is
	// always colored.
	Color bool `yaml:"color"`
}

// DefaultPreferences mirrors the teacher's GetDefaultConfig: a fully
// populated struct that LoadPreferences unmarshals the user's file onto.
func DefaultPreferences() Preferences {
	return Preferences{
		TaskctlBinaryName: "taskctl",
		Color:             true,
	}
}

const preferencesFile = "preferences.yml"

// LoadPreferences reads preferences.yml onto DefaultPreferences,
// creating an empty file on first run, exactly as
// pkg/config/app_config.go's loadUserConfig does for config.yml.
func (s *Store) LoadPreferences() (Preferences, error) {
	prefs := DefaultPreferences()

	path := filepath.Join(s.dir, preferencesFile)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return Preferences{}, err
		}
		file, err := os.Create(path)
		if err != nil {
			return Preferences{}, err
		}
		file.Close()
		return prefs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Preferences{}, err
	}
	if err := yaml.Unmarshal(content, &prefs); err != nil {
		return Preferences{}, err
	}
	return prefs, nil
}

// SavePreferences writes preferences.yml in full, mirroring
// AppConfig.WriteToUserConfig.
func (s *Store) SavePreferences(prefs Preferences) error {
	path := filepath.Join(s.dir, preferencesFile)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()
	return yaml.NewEncoder(file).Encode(prefs)
}
