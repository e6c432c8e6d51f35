package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newBufferLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(log.New(&buf, "", 0), level), &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarning)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("messages below WARN should be dropped, got %q", out)
	}
	if !strings.Contains(out, "WARN: warn 3") {
		t.Errorf("missing warning in %q", out)
	}
	if !strings.Contains(out, "ERROR: error 4") {
		t.Errorf("missing error in %q", out)
	}
}

func TestWithTag(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)
	tagged := l.WithTag("pump")

	tagged.Infof("stopped")
	tagged.Debugf("interlock %dms", 20)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "[pump] stopped" {
		t.Errorf("unexpected info line %q", lines[0])
	}
	if lines[1] != "[pump] DEBUG: interlock 20ms" {
		t.Errorf("unexpected debug line %q", lines[1])
	}
	if tagged.Level() != LogLevelDebug {
		t.Errorf("tagged logger should keep level, got %d", tagged.Level())
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	l := NewLogger(nil, LogLevelDebug)
	// Must not panic
	l.WithTag("motor:18").Errorf("write failed: %v", "EIO")
}

func TestNoneSilencesEverything(t *testing.T) {
	l, buf := newBufferLogger(LogLevelNone)
	l.Errorf("boom")
	if buf.Len() != 0 {
		t.Errorf("LogLevelNone should print nothing, got %q", buf.String())
	}
}
