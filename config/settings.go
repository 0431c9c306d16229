package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/relay"
	"github.com/yllada/vpnd/vpn"
)

// Settings are the user's choices that survive a daemon restart.
type Settings struct {
	Target vpn.TargetState `yaml:"target_state" json:"target_state"`
	Relay  relay.Query     `yaml:"relay" json:"relay"`
	// CustomLists are named groups of locations that a location
	// constraint can refer to with "list".
	CustomLists map[string][]relay.GeoConstraint `yaml:"custom_lists,omitempty" json:"custom_lists,omitempty"`
}

// DefaultSettings returns the settings of a fresh install: unsecured, any relay.
func DefaultSettings() Settings {
	return Settings{Target: vpn.TargetUnsecured}
}

// LoadSettings reads settings from path. A missing or empty file yields the
// defaults.
func LoadSettings(path string) (Settings, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("error opening settings: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	s := DefaultSettings()
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("error parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Save writes the settings to path, replacing the previous file atomically.
func (s Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error serializing settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	return nil
}

// Validate checks the relay constraints, including that every referenced
// custom list exists.
func (s Settings) Validate() error {
	_, err := s.Query()
	return err
}

// Query returns the relay constraints with custom list references expanded
// into their members.
func (s Settings) Query() (relay.Query, error) {
	q := s.Relay
	q.Providers = append([]string(nil), q.Providers...)
	for _, loc := range []*relay.LocationConstraint{&q.Location, &q.EntryLocation, &q.BridgeLocation} {
		if loc.ListName == "" {
			loc.Members = nil
			continue
		}
		members, ok := s.CustomLists[loc.ListName]
		if !ok {
			return relay.Query{}, fmt.Errorf("unknown custom list %q", loc.ListName)
		}
		loc.Members = append([]relay.GeoConstraint(nil), members...)
	}
	if err := q.Validate(); err != nil {
		return relay.Query{}, err
	}
	return q, nil
}

// ListNames returns the custom list names in sorted order.
func (s Settings) ListNames() []string {
	names := make([]string, 0, len(s.CustomLists))
	for name := range s.CustomLists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SettingsStore serializes updates to the settings file. The tunnel manager
// persists target changes through it while clients change relay constraints.
type SettingsStore struct {
	path string

	mu      sync.Mutex
	current Settings
}

// OpenSettings loads the settings at path into a store.
func OpenSettings(path string) (*SettingsStore, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return &SettingsStore{path: path, current: s}, nil
}

// Path returns the settings file location.
func (st *SettingsStore) Path() string {
	return st.path
}

// Get returns a copy of the current settings.
func (st *SettingsStore) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Update applies fn to a copy of the settings, validates the result and
// saves it. Nothing changes if fn or validation fails.
func (st *SettingsStore) Update(fn func(*Settings) error) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.current
	next.CustomLists = make(map[string][]relay.GeoConstraint, len(st.current.CustomLists))
	for name, members := range st.current.CustomLists {
		next.CustomLists[name] = members
	}
	if err := fn(&next); err != nil {
		return st.current, err
	}
	if err := next.Validate(); err != nil {
		return st.current, err
	}
	if err := next.Save(st.path); err != nil {
		return st.current, err
	}
	st.current = next
	return next, nil
}

// SetTarget persists the target state. Failures are logged; the daemon keeps
// running with the in-memory value.
func (st *SettingsStore) SetTarget(t vpn.TargetState) {
	_, err := st.Update(func(s *Settings) error {
		s.Target = t
		return nil
	})
	if err != nil {
		common.LogWarn("Settings: Could not persist target state %s: %v", t, err)
	}
}
