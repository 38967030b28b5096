package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ivo/driveshell/internal/toolerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), time.Second, slog.Default())
}

func TestCreateListCheckoutTerminate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	before, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	created, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Cwd != "~" {
		t.Fatalf("new shell cwd = %q", created.Cwd)
	}
	if len(created.ID) != 8 {
		t.Fatalf("shell id should be a short hash: %q", created.ID)
	}

	current, ok, err := reg.Current(ctx)
	if err != nil || !ok {
		t.Fatalf("create should check out the new shell: %v ok=%v", err, ok)
	}
	if current.ID != created.ID {
		t.Fatalf("current = %s, want %s", current.ID, created.ID)
	}

	second, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := reg.Checkout(ctx, created.ID); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	current, _, _ = reg.Current(ctx)
	if current.ID != created.ID {
		t.Fatalf("checkout ignored: current = %s", current.ID)
	}

	if err := reg.Terminate(ctx, created.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, ok, _ := reg.Current(ctx); ok {
		t.Fatal("terminating the current shell should clear current")
	}
	if err := reg.Terminate(ctx, second.ID); err != nil {
		t.Fatalf("terminate second: %v", err)
	}

	after, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("registry size changed: %d -> %d", len(before), len(after))
	}
}

func TestUnknownSessionErrors(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Checkout(ctx, "deadbeef"); !errors.Is(err, toolerr.ErrUnknownSession) {
		t.Fatalf("checkout unknown: %v", err)
	}
	if err := reg.Terminate(ctx, "deadbeef"); !errors.Is(err, toolerr.ErrUnknownSession) {
		t.Fatalf("terminate unknown: %v", err)
	}
	if _, err := reg.Get(ctx, "deadbeef"); !errors.Is(err, toolerr.ErrUnknownSession) {
		t.Fatalf("get unknown: %v", err)
	}
}

func TestChangeDir(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	shell, _ := reg.Create(ctx)

	next, err := reg.ChangeDir(ctx, shell.ID, "proj/src")
	if err != nil {
		t.Fatalf("cd: %v", err)
	}
	if next != "~/proj/src" {
		t.Fatalf("cwd = %q", next)
	}

	next, err = reg.ChangeDir(ctx, shell.ID, "..")
	if err != nil {
		t.Fatalf("cd ..: %v", err)
	}
	if next != "~/proj" {
		t.Fatalf("cwd = %q", next)
	}

	next, err = reg.ChangeDir(ctx, shell.ID, "~/other")
	if err != nil {
		t.Fatalf("cd absolute remote: %v", err)
	}
	if next != "~/other" {
		t.Fatalf("cwd = %q", next)
	}
}

func TestChangeDirCannotEscapeRoot(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	shell, _ := reg.Create(ctx)

	if _, err := reg.ChangeDir(ctx, shell.ID, ".."); !errors.Is(err, toolerr.ErrForbiddenPath) {
		t.Fatalf("cd .. from root: %v", err)
	}
	if _, err := reg.ChangeDir(ctx, shell.ID, "~/.."); !errors.Is(err, toolerr.ErrForbiddenPath) {
		t.Fatalf("cd ~/..: %v", err)
	}
	if _, err := reg.ChangeDir(ctx, shell.ID, "a/../../b"); !errors.Is(err, toolerr.ErrForbiddenPath) {
		t.Fatalf("cd through root: %v", err)
	}

	// Cwd must be untouched after a rejected cd.
	got, err := reg.Get(ctx, shell.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cwd != "~" {
		t.Fatalf("cwd changed after forbidden cd: %q", got.Cwd)
	}
}

func TestEnvAndVenv(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	shell, _ := reg.Create(ctx)

	if err := reg.SetEnv(ctx, shell.ID, "FOO", "bar"); err != nil {
		t.Fatalf("set env: %v", err)
	}
	if err := reg.SetVenv(ctx, shell.ID, "ml"); err != nil {
		t.Fatalf("set venv: %v", err)
	}

	got, _ := reg.Get(ctx, shell.ID)
	if got.Env["FOO"] != "bar" || got.ActiveVenv != "ml" {
		t.Fatalf("state not persisted: %+v", got)
	}

	if err := reg.UnsetEnv(ctx, shell.ID, "FOO"); err != nil {
		t.Fatalf("unset env: %v", err)
	}
	if err := reg.SetVenv(ctx, shell.ID, ""); err != nil {
		t.Fatalf("clear venv: %v", err)
	}
	got, _ = reg.Get(ctx, shell.ID)
	if _, ok := got.Env["FOO"]; ok {
		t.Fatal("env var not removed")
	}
	if got.ActiveVenv != "" {
		t.Fatalf("venv not cleared: %q", got.ActiveVenv)
	}
}

func TestResolveRemoteDir(t *testing.T) {
	cases := []struct {
		cwd, arg string
		want     string
		wantErr  bool
	}{
		{"~", "", "~", false},
		{"~", "~", "~", false},
		{"~/a/b", "..", "~/a", false},
		{"~/a", "./c/./d", "~/a/c/d", false},
		{"~/a", "/etc", "", true},
		{"~", "..", "", true},
	}
	for _, tc := range cases {
		got, err := ResolveRemoteDir(tc.cwd, tc.arg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ResolveRemoteDir(%q, %q): expected error", tc.cwd, tc.arg)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ResolveRemoteDir(%q, %q) = %q, %v; want %q", tc.cwd, tc.arg, got, err, tc.want)
		}
	}
}
