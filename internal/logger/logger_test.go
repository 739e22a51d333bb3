package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Disabled(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer without a path")
	}
}

func TestFileWriter_Defaults(t *testing.T) {
	w := FileConfig{Path: filepath.Join(t.TempDir(), "roomwatch.log")}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestFileWriter_Overrides(t *testing.T) {
	cfg := FileConfig{Path: filepath.Join(t.TempDir(), "x.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := cfg.Writer().(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = l.Close()
}

func TestNewSlogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomwatch.log")
	cfg := Config{
		Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON},
		File: FileConfig{Path: path},
	}
	log, closer := cfg.NewSlogger()
	log.Debug("room connected", "room", "alice")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("not json: %v: %s", err, data)
	}
	if rec["msg"] != "room connected" || rec["room"] != "alice" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time should be dropped when timestamps are off: %v", rec)
	}
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(SlogConfig{Level: LevelWarn, TimeStamps: true}.handler(&buf, false))
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestHandler_Color(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(SlogConfig{Color: true}.handler(&buf, true))
	log.Error("boom", "room", "alice")
	out := buf.String()
	if !strings.HasPrefix(out, "\033[31mERROR\033[0m ") {
		t.Fatalf("expected raw red level prefix, got %q", out)
	}
	if strings.Contains(out, `\x1b`) || strings.Contains(out, "level=") {
		t.Fatalf("level should only appear in the prefix, got %q", out)
	}
	if !strings.Contains(out, "msg=boom") || !strings.Contains(out, "room=alice") {
		t.Fatalf("missing record fields: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when timestamps are off: %q", out)
	}
}

func TestHandler_ColorKeepsAttrsAndColor(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(SlogConfig{Color: true, TimeStamps: true}.handler(&buf, true)).
		With("component", "fleet").WithGroup("conn")
	log.Warn("slow", "id", "c1")
	log.Info("ok")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "\033[33mWARN\033[0m ") || !strings.Contains(lines[0], "component=fleet") ||
		!strings.Contains(lines[0], "conn.id=c1") || !strings.Contains(lines[0], "time=") {
		t.Fatalf("unexpected warn line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "\033[32mINFO\033[0m ") {
		t.Fatalf("unexpected info line %q", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
