package paths

import (
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	r := New(map[string]string{
		"vault":   "/data/vault",
		"scratch": "/data/scratch",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"vault prefix", "vault:metrics.yaml", filepath.Join("/data/vault", "metrics.yaml")},
		{"vault nested", "vault:2026/march.csv", filepath.Join("/data/vault", "2026", "march.csv")},
		{"scratch prefix", "scratch:notes", filepath.Join("/data/scratch", "notes")},
		{"bare vault prefix", "vault:", "/data/vault"},
		{"absolute path unchanged", "/absolute/path", "/absolute/path"},
		{"relative path unchanged", "relative/path", "relative/path"},
		{"empty string unchanged", "", ""},
		{"no match", "unknown:foo", "unknown:foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("vault:foo.md"); got != "vault:foo.md" {
		t.Errorf("nil Resolve(%q) = %q, want unchanged", "vault:foo.md", got)
	}
}

func TestResolve_LongerPrefixFirst(t *testing.T) {
	r := New(map[string]string{
		"fin":     "/short",
		"finance": "/long",
	})

	if got := r.Resolve("finance:doc.md"); got != filepath.Join("/long", "doc.md") {
		t.Errorf("expected longer prefix to match, got %q", got)
	}
	if got := r.Resolve("fin:doc.md"); got != filepath.Join("/short", "doc.md") {
		t.Errorf("expected shorter prefix to match, got %q", got)
	}
}

func TestNew_EmptyMap(t *testing.T) {
	if r := New(nil); r != nil {
		t.Error("New(nil) should return nil")
	}
	if r := New(map[string]string{}); r != nil {
		t.Error("New(empty) should return nil")
	}
}

func TestResolveAll(t *testing.T) {
	r := New(map[string]string{"vault": "/vault"})
	list := []string{"vault:inbox", "/tmp/x", "vault:"}
	r.ResolveAll(list)

	want := []string{filepath.Join("/vault", "inbox"), "/tmp/x", "/vault"}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, list[i], want[i])
		}
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	r := New(map[string]string{"vault": "~/vault"})
	if got, want := r.Resolve("vault:doc.md"), filepath.Join(home, "vault", "doc.md"); got != want {
		t.Errorf("prefix base: got %q, want %q", got, want)
	}

	var nilResolver *Resolver
	if got, want := nilResolver.Resolve("~/data"), filepath.Join(home, "data"); got != want {
		t.Errorf("bare tilde path: got %q, want %q", got, want)
	}
	if got := nilResolver.Resolve("~"); got != home {
		t.Errorf("Resolve(~) = %q, want %q", got, home)
	}
	if got := nilResolver.Resolve("~other/x"); got != "~other/x" {
		t.Errorf("~user form should be unchanged, got %q", got)
	}
}
