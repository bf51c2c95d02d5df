package internal

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

type FieldKey string

const (
	FieldError     FieldKey = "error"
	FieldServer    FieldKey = "server"
	FieldPort      FieldKey = "port"
	FieldUDPPort   FieldKey = "udp_port"
	FieldTCPPort   FieldKey = "tcp_port"
	FieldIndex     FieldKey = "index"
	FieldKind      FieldKey = "kind"
	FieldRunID     FieldKey = "run_id"
	FieldBytes     FieldKey = "bytes"
	FieldElapsed   FieldKey = "elapsed"
	FieldRate      FieldKey = "rate_bps"
	FieldInterface FieldKey = "interface"
	ConfigPath     FieldKey = "config_path"
)

type Fields map[FieldKey]any

// With returns a copy of f extended with key set to value.
func (f Fields) With(key FieldKey, value any) Fields {
	out := make(Fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}

type Level = pterm.LogLevel

const (
	LevelTrace Level = pterm.LogLevelTrace
	LevelDebug Level = pterm.LogLevelDebug
	LevelInfo  Level = pterm.LogLevelInfo
	LevelWarn  Level = pterm.LogLevelWarn
	LevelError Level = pterm.LogLevelError
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var (
	loggerMu   sync.RWMutex
	baseLogger = newLogger(os.Stderr, false)
)

func newLogger(w io.Writer, json bool) *pterm.Logger {
	l := pterm.DefaultLogger.
		WithWriter(w).
		WithTime(true).
		WithTimeFormat(time.RFC3339).
		WithMaxWidth(120).
		WithCaller(false).
		WithLevel(LevelInfo)
	if json {
		l = l.WithFormatter(pterm.LogFormatterJSON)
	}
	return l.AppendKeyStyles(map[string]pterm.Style{
		string(FieldError): *pterm.NewStyle(pterm.FgRed, pterm.Bold),
		string(FieldRate):  *pterm.NewStyle(pterm.FgCyan),
		string(FieldRunID): *pterm.NewStyle(pterm.FgGray),
	})
}

// ParseLevel maps a level name such as "debug" to a Level.
func ParseLevel(name string) (Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return LevelInfo, nil
	}
	lvl, ok := levelNames[name]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// ConfigureLogger applies a level name. Unknown names fall back to info and
// are reported as an error.
func ConfigureLogger(level string) error {
	lvl, err := ParseLevel(level)
	SetLogLevel(lvl)
	return err
}

func SetLogLevel(level Level) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	l := *baseLogger
	l.Level = level
	baseLogger = &l
}

// SetLogOutput replaces the log destination, keeping the current level.
// json switches to one JSON object per line.
func SetLogOutput(w io.Writer, json bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	level := baseLogger.Level
	baseLogger = newLogger(w, json)
	baseLogger.Level = level
}

func emit(level Level, msg string, fields Fields) {
	loggerMu.RLock()
	logger := baseLogger
	loggerMu.RUnlock()
	if level < logger.Level {
		return
	}

	args := loggerArgs(fields)
	switch level {
	case LevelTrace:
		logger.Trace(msg, args)
	case LevelDebug:
		logger.Debug(msg, args)
	case LevelWarn:
		logger.Warn(msg, args)
	case LevelError:
		logger.Error(msg, args)
	default:
		logger.Info(msg, args)
	}
}

func loggerArgs(fields Fields) []pterm.LoggerArgument {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	args := make([]pterm.LoggerArgument, 0, len(keys))
	for _, key := range keys {
		args = append(args, pterm.LoggerArgument{Key: key, Value: fields[FieldKey(key)]})
	}
	return args
}

func Trace(msg string, fields Fields) { emit(LevelTrace, msg, fields) }
func Debug(msg string, fields Fields) { emit(LevelDebug, msg, fields) }
func Info(msg string, fields Fields)  { emit(LevelInfo, msg, fields) }
func Warn(msg string, fields Fields)  { emit(LevelWarn, msg, fields) }
func Error(msg string, fields Fields) { emit(LevelError, msg, fields) }
