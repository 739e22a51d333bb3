package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Config combines the slog handler settings with optional file output.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig enables rotating file output when Path is set. Rotation
// parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Writer returns the rotating file writer, or nil when Path is empty.
func (f FileConfig) Writer() io.WriteCloser {
	if f.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   f.Path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds a logger writing to stderr, or to the rotating file
// when one is configured. The returned closer releases the file.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if fw := c.File.Writer(); fw != nil {
		w, closer = fw, fw
	}
	return slog.New(c.Slog.handler(w, c.File.Path == "")), closer
}

func (s SlogConfig) handler(w io.Writer, terminal bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(s.Level), AddSource: s.Source}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch {
	case strings.EqualFold(s.Format, FormatJSON):
		return slog.NewJSONHandler(w, opts)
	case s.Color && terminal:
		return NewColorTextHandler(w, opts, s.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name onto slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
