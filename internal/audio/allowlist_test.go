package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bypass.txt")
	if err := os.WriteFile(path, []byte("# ops\nfile-user\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := NewAllowlist([]string{"static-user", " "}, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}

	t.Run("static_and_file_entries", func(t *testing.T) {
		if !a.Contains("static-user") || !a.Contains("file-user") {
			t.Error("missing configured entries")
		}
		if a.Contains("# ops") || a.Contains("") || a.Contains("other") {
			t.Error("unexpected entry matched")
		}
	})

	t.Run("reload_on_write", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := a.Watch(ctx); err != nil {
			t.Fatalf("Watch: %v", err)
		}
		if err := os.WriteFile(path, []byte("new-user\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if a.Contains("new-user") && !a.Contains("file-user") {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Error("allow-list not reloaded after write")
	})
}

func TestAllowlistMissingFile(t *testing.T) {
	a, err := NewAllowlist(nil, filepath.Join(t.TempDir(), "absent.txt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	if a.Contains("anyone") {
		t.Error("empty allow-list matched")
	}
}
