package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storyforge/adosync/internal/mapper"
	"github.com/storyforge/adosync/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing file should error")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load with no file: %v", err)
	}
	if cfg.Sync.PollInterval != 5*time.Minute {
		t.Errorf("poll interval default = %s", cfg.Sync.PollInterval)
	}
	if cfg.Server.Port != 7432 {
		t.Errorf("server port default = %d", cfg.Server.Port)
	}
	if cfg.ADO.WorkItemType != "User Story" {
		t.Errorf("work item type default = %q", cfg.ADO.WorkItemType)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adosync.yaml")
	writeFile(t, path, `
ado:
  organization_url: https://dev.azure.com/myorg
  project: Payments
sync:
  poll_interval: 30s
server:
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ADO.OrganizationURL != "https://dev.azure.com/myorg" {
		t.Errorf("organization_url = %q", cfg.ADO.OrganizationURL)
	}
	if cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("poll_interval = %s", cfg.Sync.PollInterval)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	// Untouched keys keep defaults.
	if cfg.Dashboard.Port != 7433 {
		t.Errorf("dashboard port = %d", cfg.Dashboard.Port)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ADOSYNC_ADO_PERSONAL_ACCESS_TOKEN", "secret-pat")
	t.Setenv("ADOSYNC_ADO_PROJECT", "FromEnv")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ADO.PersonalAccessToken != "secret-pat" {
		t.Errorf("token not read from environment")
	}
	if cfg.ADO.Project != "FromEnv" {
		t.Errorf("project = %q", cfg.ADO.Project)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("empty credentials must not validate")
	}

	cfg.ADO.OrganizationURL = "https://dev.azure.com/myorg"
	cfg.ADO.Project = "Payments"
	cfg.ADO.PersonalAccessToken = "pat"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLoadMappingMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadMapping(filepath.Join(t.TempDir(), "nope.yaml"), quietLogger())
	if err != nil {
		t.Fatalf("missing mapping file must not error: %v", err)
	}
	if cfg.InboundStates["Active"] != store.StatusInProgress {
		t.Error("defaults not applied")
	}
}

func TestLoadMappingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	writeFile(t, path, `
states:
  inbound:
    Proposed: planned
    Committed: in_progress
    Done: completed
new_state: Proposed
types:
  - Product Backlog Item
fields:
  - remote: System.Description
    local: description
    transform: strip_html
`)

	cfg, err := LoadMapping(path, quietLogger())
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	if cfg.InboundStates["Committed"] != store.StatusInProgress {
		t.Errorf("inbound states not replaced: %+v", cfg.InboundStates)
	}
	if _, ok := cfg.InboundStates["Active"]; ok {
		t.Error("overriding a section must replace it wholesale")
	}
	if cfg.NewState != "Proposed" {
		t.Errorf("new_state = %q", cfg.NewState)
	}
	if len(cfg.SupportedTypes) != 1 || cfg.SupportedTypes[0] != "Product Backlog Item" {
		t.Errorf("types = %v", cfg.SupportedTypes)
	}
	if len(cfg.FieldMappings) != 1 || cfg.FieldMappings[0].Transform != mapper.TransformStripHTML {
		t.Errorf("field mappings = %+v", cfg.FieldMappings)
	}
	// Sections the document does not mention keep defaults.
	if cfg.InboundPriorities[1] != store.PriorityP0 {
		t.Error("priority defaults lost")
	}
}

func TestLoadMappingRejectsUnknownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	writeFile(t, path, `
states:
  inbound:
    Active: doing
`)
	if _, err := LoadMapping(path, quietLogger()); err == nil {
		t.Fatal("unknown status value must be rejected")
	}
}

func TestMappingWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.yaml")
	writeFile(t, path, "types:\n  - User Story\n")

	m := mapper.New(mapper.DefaultConfig(), quietLogger())
	w, err := NewMappingWatcher(path, m, quietLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	writeFile(t, path, "types:\n  - Epic\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsTypeSupported("Epic") {
			if m.IsTypeSupported("User Story") {
				t.Fatal("old tables still active after reload")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("mapping reload never happened")
}

func TestMappingWatcherKeepsTablesOnBadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.yaml")
	writeFile(t, path, "types:\n  - User Story\n")

	m := mapper.New(mapper.DefaultConfig(), quietLogger())
	w, err := NewMappingWatcher(path, m, quietLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	writeFile(t, path, "states:\n  inbound:\n    Active: bogus\n")

	time.Sleep(debounceWindow + 500*time.Millisecond)
	if !m.IsTypeSupported("User Story") {
		t.Fatal("rejected document must leave current tables in place")
	}
}
