package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

// The logger is global, so these tests do not run in parallel.

func TestInitWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWriter("debug", Console, &buf); err != nil {
		t.Fatalf("InitWriter: %v", err)
	}
	t.Cleanup(func() { _ = InitWriter("info", "", os.Stderr) })

	log.WithField("package", "org.bromite.bromite").Debug("resolved")
	if !strings.Contains(buf.String(), "package=org.bromite.bromite") {
		t.Fatalf("log output %q misses the field", buf.String())
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level: got %v want debug", log.GetLevel())
	}
}

func TestInitWriterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apkfetch.log")
	if err := InitWriter("info", path, os.Stderr); err != nil {
		t.Fatalf("InitWriter: %v", err)
	}
	t.Cleanup(func() { _ = InitWriter("info", "", os.Stderr) })

	log.Info("written to file")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("log file %q misses the message", data)
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init("chatty", ""); err == nil {
		t.Fatalf("expected error for an unknown level")
	}
}
