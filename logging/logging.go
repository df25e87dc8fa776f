package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogType int

const (
	LogTypeLog LogType = iota
	LogTypeCanbusLog
)

// Config controls how New builds a Logger.
type Config struct {
	App     string
	Level   zerolog.Level
	NoColor bool
	JSON    bool      // write raw JSON lines instead of console output
	Out     io.Writer // defaults to os.Stdout
}

// Logger writes to the console and to any sinks registered later, such as the gui log view.
type Logger struct {
	zerolog.Logger
	out *fanout
}

func New(cfg Config) *Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	f := &fanout{writers: []io.Writer{out}}
	ctx := zerolog.New(f).Level(cfg.Level).With().Timestamp()
	if cfg.App != "" {
		ctx = ctx.Str("app", cfg.App)
	}
	return &Logger{Logger: ctx.Logger(), out: f}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), out: &fanout{}}
}

// WriteToLog writes a plain message. Canbus traffic is logged at debug level so it only shows
// up when asked for.
func (l *Logger) WriteToLog(message string, logType LogType) {
	switch logType {
	case LogTypeCanbusLog:
		l.Debug().Str("component", "canbus").Msg(message)
	default:
		l.Info().Msg(message)
	}
}

// AddSink mirrors every log line to w in human readable form.
func (l *Logger) AddSink(w io.Writer) {
	l.out.add(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: true})
}

// ParseLevel accepts the usual level names plus a few aliases for turning logging off.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

type fanout struct {
	mu      sync.RWMutex
	writers []io.Writer
}

func (f *fanout) add(w io.Writer) {
	f.mu.Lock()
	f.writers = append(f.writers, w)
	f.mu.Unlock()
}

// Write never fails because of a sink; the first writer is the console and its error wins.
func (f *fanout) Write(p []byte) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var firstErr error
	for i, w := range f.writers {
		if _, err := w.Write(p); err != nil && i == 0 {
			firstErr = err
		}
	}
	return len(p), firstErr
}
