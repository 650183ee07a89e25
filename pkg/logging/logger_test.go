package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLogger(level logrus.Level) *bytes.Buffer {
	var buf bytes.Buffer
	Logger = logrus.New()
	Logger.SetOutput(&buf)
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"verbose", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInit_WithNestedLogFile(t *testing.T) {
	Logger = logrus.New()
	logFile := filepath.Join(t.TempDir(), "a", "b", "rollcall.log")

	if err := Init("debug", "text", logFile); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Logger.SetOutput(os.Stderr)

	Info("written to file")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Error("message missing from log file")
	}
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", Logger.GetLevel())
	}
}

func TestInit_JSONFormat(t *testing.T) {
	Logger = logrus.New()
	if err := Init("info", "json", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var buf bytes.Buffer
	Logger.SetOutput(&buf)
	Component("vault").Info("sealed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "vault" {
		t.Errorf("expected component=vault, got %v", entry["component"])
	}
}

func TestComponentAndFields(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)

	Component("keystore").WithField("key_id", "20260101000000").Info("rotated")

	out := buf.String()
	for _, want := range []string{"component=keystore", "key_id=20260101000000", "rotated"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogger(logrus.WarnLevel)

	Debug("debug")
	Infof("info %d", 1)
	if buf.Len() > 0 {
		t.Errorf("expected nothing below warn, got %q", buf.String())
	}

	Warnf("warn %s", "shown")
	if !strings.Contains(buf.String(), "warn shown") {
		t.Error("warn message not logged")
	}

	buf.Reset()
	WithError(os.ErrNotExist).Error("lookup failed")
	if !strings.Contains(buf.String(), "file does not exist") {
		t.Error("error field not logged")
	}
}
