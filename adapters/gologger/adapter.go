// Package gologger adapts console loggers to the go-logger contracts used
// across mailsync.
package gologger

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	glog "github.com/goliatone/go-logger/glog"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

type ConsoleOption func(*consoleOptions)

type consoleOptions struct {
	out        io.Writer
	level      string
	timestamps bool
}

func WithOutput(out io.Writer) ConsoleOption {
	return func(o *consoleOptions) {
		if out != nil {
			o.out = out
		}
	}
}

func WithLevel(level string) ConsoleOption {
	return func(o *consoleOptions) {
		o.level = level
	}
}

func WithTimestamps(enabled bool) ConsoleOption {
	return func(o *consoleOptions) {
		o.timestamps = enabled
	}
}

// ConsoleLogger writes leveled, key/value console output.
type ConsoleLogger struct {
	base *charmlog.Logger
}

// NewConsoleLogger builds a console logger. Unknown levels fall back to info.
func NewConsoleLogger(opts ...ConsoleOption) *ConsoleLogger {
	cfg := consoleOptions{out: os.Stderr, level: "info", timestamps: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	level, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.level)))
	if err != nil {
		level = charmlog.InfoLevel
	}
	return &ConsoleLogger{base: charmlog.NewWithOptions(cfg.out, charmlog.Options{
		Level:           level,
		ReportTimestamp: cfg.timestamps,
		TimeFormat:      time.Kitchen,
	})}
}

func (l *ConsoleLogger) Trace(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *ConsoleLogger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *ConsoleLogger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *ConsoleLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *ConsoleLogger) Error(msg string, args ...any) { l.base.Error(msg, args...) }
func (l *ConsoleLogger) Fatal(msg string, args ...any) { l.base.Fatal(msg, args...) }

func (l *ConsoleLogger) WithContext(context.Context) glog.Logger {
	return l
}

// WithFields returns a child logger carrying fields in stable key order.
func (l *ConsoleLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	keyvals := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		keyvals = append(keyvals, key, fields[key])
	}
	return &ConsoleLogger{base: l.base.With(keyvals...)}
}

func (l *ConsoleLogger) named(name string) *ConsoleLogger {
	name = strings.TrimSpace(name)
	if name == "" {
		return l
	}
	return &ConsoleLogger{base: l.base.WithPrefix(name)}
}

// ConsoleProvider hands out console loggers prefixed with the component name.
type ConsoleProvider struct {
	root *ConsoleLogger
}

func NewConsoleProvider(root *ConsoleLogger) *ConsoleProvider {
	if root == nil {
		root = NewConsoleLogger()
	}
	return &ConsoleProvider{root: root}
}

func (p *ConsoleProvider) GetLogger(name string) glog.Logger {
	return p.root.named(name)
}

var (
	_ glog.Logger         = (*ConsoleLogger)(nil)
	_ glog.FieldsLogger   = (*ConsoleLogger)(nil)
	_ glog.LoggerProvider = (*ConsoleProvider)(nil)
)
