package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultFilePath = "./mssqltask.log"

// Config mirrors the logging section of the config file.
type Config struct {
	Level string
	// Console enables the stdout sink. With Format "json" stdout carries
	// JSON lines (journald, container logs) instead of the console layout.
	Console bool
	Format  string
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root   atomic.Pointer[zerolog.Logger]
	stdout io.Writer
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, stdout io.Writer) (*Service, Logger) {
	s := &Service{stdout: stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks. The log file stays open when its path did not
// change so concurrent writers never hit a closed descriptor.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = defaultFilePath
		}
	}
	if want != s.filePath {
		s.closeFileLocked()
		if want != "" {
			if err := s.openFileLocked(want); err != nil {
				fmt.Fprintf(os.Stderr, "logx: %v\n", err)
			}
		}
	}
	s.rebuildLocked()
}

// Reopen closes and reopens the log file, for use after external rotation.
func (s *Service) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.filePath
	if path == "" {
		return nil
	}
	old := s.file
	if err := s.openFileLocked(path); err != nil {
		return err
	}
	s.rebuildLocked()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file, s.filePath = nil, ""
	if f != nil {
		return f.Close()
	}
	return nil
}

func (s *Service) openFileLocked(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

func (s *Service) rebuildLocked() {
	writers := make([]io.Writer, 0, 2)
	if s.cfg.Console || s.file == nil {
		if strings.EqualFold(strings.TrimSpace(s.cfg.Format), "json") {
			writers = append(writers, s.stdout)
		} else {
			writers = append(writers, newConsoleWriter(s.stdout))
		}
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(s.cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// ParseLevel validates a configured level name. Empty means info.
func ParseLevel(s string) (Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl := parseLevel(s, zerolog.NoLevel)
	if lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown level %q", s)
	}
	return lvl, nil
}

// ParseFormat validates a configured stdout format. Empty means console.
func ParseFormat(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "console", "json":
		return nil
	}
	return fmt.Errorf("unknown format %q", s)
}
