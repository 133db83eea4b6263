package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Database.Driver != "sqlite" || c.Storage.Driver != "fs" {
		t.Fatalf("drivers = %s/%s", c.Database.Driver, c.Storage.Driver)
	}
	if c.Graph.Precedence != "most_specific" || c.Graph.InitialStrength != 0.1 {
		t.Fatalf("graph = %+v", c.Graph)
	}
	if c.Jobs.BackoffBase != 200*time.Millisecond || c.Watcher.Debounce != 500*time.Millisecond {
		t.Fatalf("durations = %v %v", c.Jobs.BackoffBase, c.Watcher.Debounce)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
search:
  max_limit: 50
graph:
  precedence: all
watcher:
  paths: ["/tmp/notes"]
`)
	t.Setenv("PKM_SEARCH_DEFAULT_LIMIT", "7")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Search.MaxLimit != 50 || c.Graph.Precedence != "all" {
		t.Fatalf("file values not applied: %+v %+v", c.Search, c.Graph)
	}
	if c.Search.DefaultLimit != 7 {
		t.Fatalf("env override DefaultLimit = %d, want 7", c.Search.DefaultLimit)
	}
	if len(c.Watcher.Paths) != 1 || c.Watcher.Paths[0] != "/tmp/notes" {
		t.Fatalf("watcher paths = %v", c.Watcher.Paths)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":    "database:\n  driver: oracle\n",
		"storage":   "storage:\n  driver: ftp\n",
		"threshold": "jobs:\n  failure_threshold: 1.5\n",
		"auth":      "auth:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
