package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "parlad.log")

	logger, err := New(path, zap.String("profile", "main"))
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"started"`, `"profile":"main"`, `"pid":`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNewWithoutPath(t *testing.T) {
	logger, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if logger == nil {
		t.Fatal("logger is nil")
	}
}
