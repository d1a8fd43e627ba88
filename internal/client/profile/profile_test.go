package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"groundlink/internal/protocol"
)

func writeProfileFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.toml")
	if err := writeRaw(path, body); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	return path
}

func writeRaw(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o600)
}

func TestNewWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.toml")

	m, err := New(path, "default", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if names := m.Names(); len(names) != 1 || names[0] != "default" {
		t.Fatalf("expected default profile to be written, got %v", names)
	}
}

func TestApplyFiltersByIncludeExclude(t *testing.T) {
	dir := t.TempDir()
	body := `
[profiles.gnd]
include = ["EGLL_*"]
exclude = ["*_DEL"]
priority = []
`
	path := writeProfileFile(t, dir, body)
	m, err := New(path, "gnd", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	roster := []protocol.ClientInfo{
		{ID: "1", DisplayName: "EGLL_GND"},
		{ID: "2", DisplayName: "EGLL_DEL"},
		{ID: "3", DisplayName: "EGKK_GND"},
	}
	got := m.Apply(roster)
	if len(got) != 1 || got[0].Name != "EGLL_GND" {
		t.Fatalf("expected only EGLL_GND to pass the filter, got %+v", got)
	}
}

func TestApplyEmptyIncludeMatchesEverything(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, "[profiles.all]\n")
	m, err := New(path, "all", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	roster := []protocol.ClientInfo{{ID: "1", DisplayName: "EGLL_GND"}}
	got := m.Apply(roster)
	if len(got) != 1 {
		t.Fatalf("expected empty include to match everything, got %+v", got)
	}
}

func TestApplyAliasesAffectDisplayNotIncludeExclude(t *testing.T) {
	dir := t.TempDir()
	body := `
[profiles.gnd]
include = ["EGLL_GND"]

[profiles.gnd.aliases]
"121.800" = "Heathrow Ground"
`
	path := writeProfileFile(t, dir, body)
	m, err := New(path, "gnd", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	roster := []protocol.ClientInfo{{ID: "1", DisplayName: "EGLL_GND", Frequency: "121.800"}}
	got := m.Apply(roster)
	if len(got) != 1 || got[0].Display != "Heathrow Ground" {
		t.Fatalf("expected aliased display name, got %+v", got)
	}
	if got[0].Name != "EGLL_GND" {
		t.Fatalf("expected raw name preserved for include/exclude matching, got %q", got[0].Name)
	}
}

func TestApplySortsByPriorityThenFacilityThenName(t *testing.T) {
	dir := t.TempDir()
	body := `
[profiles.gnd]
priority = ["*_TWR", "*_GND"]
`
	path := writeProfileFile(t, dir, body)
	m, err := New(path, "gnd", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	roster := []protocol.ClientInfo{
		{ID: "1", DisplayName: "EGLL_GND"},
		{ID: "2", DisplayName: "EGLL_TWR"},
		{ID: "3", DisplayName: "EGKK_DEL"},
	}
	got := m.Apply(roster)
	if len(got) != 3 {
		t.Fatalf("expected all 3 stations, got %d", len(got))
	}
	if got[0].Name != "EGLL_TWR" || got[1].Name != "EGLL_GND" || got[2].Name != "EGKK_DEL" {
		t.Fatalf("unexpected sort order: %+v", got)
	}
}

func TestHotReloadPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeProfileFile(t, dir, "[profiles.gnd]\ninclude = [\"EGLL_*\"]\n")

	reloaded := make(chan error, 4)
	m, err := New(path, "gnd", func(err error) { reloaded <- err })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := writeRaw(path, "[profiles.gnd]\ninclude = [\"EGKK_*\"]\n"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("unexpected reload error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hot reload callback")
	}

	roster := []protocol.ClientInfo{{ID: "1", DisplayName: "EGKK_GND"}}
	got := m.Apply(roster)
	if len(got) != 1 {
		t.Fatalf("expected updated include pattern to apply after reload, got %+v", got)
	}
}
