package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Host: "localhost", DBName: "pulsewatch"},
		AdminAPI: config.AdminAPIConfig{Token: "0123456789abcdef0123"},
		Monitors: []config.MonitorConfig{
			{ID: "api", Token: "api-token-1", Name: "API", IntervalSeconds: 30},
			{ID: "db", Token: "db-token-11", Name: "DB", IntervalSeconds: 60, GroupID: "backend"},
			{ID: "worker", Token: "wrk-token-1", Name: "Worker", IntervalSeconds: 30, GroupID: "backend", Dependencies: []string{"db"}},
		},
		Groups: []config.GroupConfig{
			{ID: "backend", Name: "Backend", Strategy: config.StrategyAllUp, IntervalSeconds: 60, ParentID: "all"},
			{ID: "all", Name: "Everything", Strategy: config.StrategyAnyUp, IntervalSeconds: 60},
		},
		StatusPages: []config.StatusPageConfig{
			{Slug: "public", Name: "Public", Items: []string{"all", "api"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestBuildSnapshotIndexes(t *testing.T) {
	snap, err := BuildSnapshot(testConfig())
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	if _, ok := snap.MonitorByID("api"); !ok {
		t.Error("monitor api not indexed by ID")
	}
	if m, ok := snap.MonitorByToken("db-token-11"); !ok || m.ID != "db" {
		t.Error("token lookup failed for db")
	}
	if _, ok := snap.PageBySlug("public"); !ok {
		t.Error("page not indexed by slug")
	}

	members := snap.MonitorsInGroup("backend")
	if len(members) != 2 {
		t.Fatalf("expected 2 members of backend, got %d", len(members))
	}
	if subs := snap.SubGroups("all"); len(subs) != 1 || subs[0] != "backend" {
		t.Errorf("expected backend as sub-group of all, got %v", subs)
	}
}

func TestDependencyLevels(t *testing.T) {
	snap, err := BuildSnapshot(testConfig())
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	if snap.Level("db") != 0 {
		t.Errorf("db has no deps, expected level 0, got %d", snap.Level("db"))
	}
	if snap.Level("worker") != 1 {
		t.Errorf("worker depends on db, expected level 1, got %d", snap.Level("worker"))
	}

	// Monitors iterate deps-first.
	ordered := snap.Monitors()
	posDB, posWorker := -1, -1
	for i, m := range ordered {
		switch m.ID {
		case "db":
			posDB = i
		case "worker":
			posWorker = i
		}
	}
	if posDB > posWorker {
		t.Error("db must come before its dependent worker")
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Monitors[1].Dependencies = []string{"worker"} // db -> worker -> db

	_, err := BuildSnapshot(cfg)
	if err == nil {
		t.Fatal("expected cycle rejection")
	}
	if !apperr.Is(err, apperr.KindConfigInvalid) {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
}

func TestPageReverseIndex(t *testing.T) {
	snap, err := BuildSnapshot(testConfig())
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	// db is on the page through all -> backend.
	if pages := snap.PagesForEntity("db"); len(pages) != 1 || pages[0] != "public" {
		t.Errorf("expected db on public page, got %v", pages)
	}
	// The group itself is indexed too.
	if pages := snap.PagesForEntity("backend"); len(pages) != 1 {
		t.Errorf("expected backend on public page, got %v", pages)
	}

	ids := snap.PageMonitorIDs("public")
	if len(ids) != 3 {
		t.Errorf("expected 3 monitors on public page, got %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate monitor %q in page expansion", id)
		}
		seen[id] = true
	}
}

func writeConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return path
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*Registry, string) {
	t.Helper()
	path := writeConfigFile(t, cfg)
	bus := events.NewBus(16)
	t.Cleanup(func() { bus.Close() })

	reg, err := New(path, cfg, bus, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return reg, path
}

func TestApplySwapsSnapshot(t *testing.T) {
	reg, path := newTestRegistry(t, testConfig())

	candidate := reg.Current().Config().Clone()
	candidate.Monitors = append(candidate.Monitors, config.MonitorConfig{
		ID: "cache", Token: "cache-token", Name: "Cache", IntervalSeconds: 15,
	})

	if err := reg.Apply(context.Background(), candidate); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := reg.Current().MonitorByID("cache"); !ok {
		t.Error("new monitor missing after apply")
	}

	// Persisted too.
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load after apply failed: %v", err)
	}
	if len(loaded.Monitors) != 4 {
		t.Errorf("expected 4 monitors on disk, got %d", len(loaded.Monitors))
	}
}

func TestApplyRejectsInvalidCandidate(t *testing.T) {
	reg, path := newTestRegistry(t, testConfig())
	before := len(reg.Current().Config().Monitors)

	candidate := reg.Current().Config().Clone()
	candidate.Monitors[0].Dependencies = []string{"api"} // self-cycle

	if err := reg.Apply(context.Background(), candidate); err == nil {
		t.Fatal("expected apply rejection")
	}
	if len(reg.Current().Config().Monitors) != before {
		t.Error("rejected candidate mutated the active snapshot")
	}

	// Disk still holds the previous document.
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Monitors) != before {
		t.Error("rejected candidate was persisted")
	}
}

func TestReloadKeepsSnapshotOnBadFile(t *testing.T) {
	reg, path := newTestRegistry(t, testConfig())

	if err := os.WriteFile(path, []byte("not toml = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	if _, ok := reg.Current().MonitorByID("api"); !ok {
		t.Error("previous snapshot lost after failed reload")
	}
}
