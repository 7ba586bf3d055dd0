package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"versekeep/internal/app"
	"versekeep/internal/engine"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "enforcement:\n  grace_window: 2h\n"
	if err := os.WriteFile(filepath.Join(dir, "versekeep.yml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()
	rt, err := app.Open(ctx, app.Options{Workspace: dir, LogLevel: "error"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Enforcement.GraceWindow.Hours() != 2 {
		t.Fatalf("config not loaded: %v", rt.Config.Enforcement.GraceWindow)
	}
	if _, ok := rt.Subscriber(); ok {
		t.Fatalf("no redis configured, expected no subscriber")
	}
	if _, err := rt.Engine.DeclarePlatform(ctx, engine.DeclareOptions{WriterID: "w1", Platform: "Medium", Timezone: "UTC"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".versekeep", "versekeep.db")); err != nil {
		t.Fatalf("db not created: %v", err)
	}
	if _, err := rt.Scheduler(); err != nil {
		t.Fatalf("scheduler: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "versekeep.yml"), []byte("scheduler:\n  release_check_at: \"99:99\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := app.Open(context.Background(), app.Options{Workspace: dir}); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}
