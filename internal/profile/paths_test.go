package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirHonorsParlaHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("PARLA_HOME", base)

	got := Dir("main")
	want := filepath.Join(base, "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if ConfigPath() != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", ConfigPath())
	}
}

func TestDirDefaultsToHome(t *testing.T) {
	t.Setenv("PARLA_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".parla", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestFilePaths(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{"db", DBPath("test"), filepath.Join("profiles", "test", "parla.db")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "parlad.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s path = %q, want suffix %s", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("PARLA_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}
