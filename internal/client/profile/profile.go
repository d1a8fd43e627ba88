// Package profile loads the client's station-profile TOML (§6): named
// profiles of glob include/exclude/priority lists plus a frequency→
// display-name alias table, with hot reload on file change.
//
// Loading grounds on thatcooperguy-nvremote's internal/config.Load
// (viper-based, defaults + file source); hot reload grounds on
// petervdpas-goop2's internal/lua engine direct use of
// fsnotify.NewWatcher plus an event loop goroutine. Writing the
// first-run default file uses pelletier/go-toml/v2 directly, since
// viper has no symmetric "write a TOML file" API.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"groundlink/internal/protocol"
)

// Profile is one named filter/sort/alias rule set.
type Profile struct {
	Include  []string          `mapstructure:"include" toml:"include"`
	Exclude  []string          `mapstructure:"exclude" toml:"exclude"`
	Priority []string          `mapstructure:"priority" toml:"priority"`
	Aliases  map[string]string `mapstructure:"aliases" toml:"aliases"`
}

type fileConfig struct {
	Profiles map[string]Profile `mapstructure:"profiles" toml:"profiles"`
}

var defaultFileConfig = fileConfig{
	Profiles: map[string]Profile{
		"default": {
			Include: []string{"*"},
			Aliases: map[string]string{},
		},
	},
}

// Station is one roster entry as seen through a profile's rules: Display
// is the alias-resolved name shown in the UI, Name is the raw roster name
// used for include/exclude matching.
type Station struct {
	ID        protocol.ClientID
	Name      string
	Frequency string
	Display   string

	priorityIdx int
}

// Manager owns the active profile set, the currently selected profile
// name, and the file watcher driving hot reload.
type Manager struct {
	path   string
	onLoad func(error)

	mu     sync.RWMutex
	cfg    fileConfig
	active string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads path, writing a minimal default profiles.toml first if it
// doesn't exist, and starts watching it for changes. active names which
// profile's rules Apply uses. onLoad, if non-nil, is called after the
// initial load and after every subsequent reload, with any error
// encountered.
func New(path, active string, onLoad func(error)) (*Manager, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, fmt.Errorf("profile: write default config: %w", err)
		}
	}

	m := &Manager{path: path, active: active, onLoad: onLoad, done: make(chan struct{})}
	if err := m.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("profile: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("profile: watch %s: %w", path, err)
	}
	m.watcher = watcher
	go m.watchLoop()

	return m, nil
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	close(m.done)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// SetActive switches the profile Apply uses.
func (m *Manager) SetActive(name string) {
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
}

// Names returns the configured profile names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cfg.Profiles))
	for name := range m.cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply filters, aliases, and sorts a roster snapshot according to the
// active profile (§6 "Filtering"/"Sorting").
func (m *Manager) Apply(roster []protocol.ClientInfo) []Station {
	m.mu.RLock()
	prof, ok := m.cfg.Profiles[m.active]
	m.mu.RUnlock()
	if !ok {
		prof = Profile{Include: []string{"*"}}
	}

	out := make([]Station, 0, len(roster))
	for _, c := range roster {
		name := stationName(c)
		if !matchesAny(prof.Include, name) {
			continue
		}
		if matchesAny(prof.Exclude, name) {
			continue
		}

		display := name
		if alias, ok := prof.Aliases[c.Frequency]; ok && alias != "" {
			display = alias
		}

		out = append(out, Station{
			ID:          c.ID,
			Name:        name,
			Frequency:   c.Frequency,
			Display:     display,
			priorityIdx: priorityIndex(prof.Priority, display),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priorityIdx != out[j].priorityIdx {
			return out[i].priorityIdx < out[j].priorityIdx
		}
		si, sj := facilitySuffix(out[i].Name), facilitySuffix(out[j].Name)
		if si != sj {
			return si < sj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func stationName(c protocol.ClientInfo) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return string(c.ID)
}

// matchesAny reports whether name matches any of patterns. An empty
// pattern list matches everything (§6 "or include is empty").
func matchesAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

// priorityIndex returns the index of the first matching pattern, or
// len(patterns) if none match (§6 "no match = last").
func priorityIndex(patterns []string, name string) int {
	for i, p := range patterns {
		if globMatch(p, name) {
			return i
		}
	}
	return len(patterns)
}

// globMatch implements §6's glob semantics: "*" any chars, "?" one char,
// case-insensitive, anchored to the whole string.
func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// facilitySuffix extracts the trailing facility designator from a
// callsign like "EGLL_GND" ("GND"), used as the sort's secondary key.
func facilitySuffix(name string) string {
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		return name[idx+1:]
	}
	return ""
}

func (m *Manager) watchLoop() {
	target := filepath.Clean(m.path)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			err := m.reload()
			if m.onLoad != nil {
				m.onLoad(err)
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) reload() error {
	v := viper.New()
	v.SetConfigFile(m.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("profile: read %s: %w", m.path, err)
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("profile: decode %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := toml.Marshal(defaultFileConfig)
	if err != nil {
		return fmt.Errorf("marshal default profile config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}
