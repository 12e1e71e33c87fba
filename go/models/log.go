package models

import (
	"fmt"
	"io"
	"sync"

	"github.com/mgutz/ansi"
)

var (
	warnColor  = ansi.ColorCode("yellow")
	bugColor   = ansi.ColorCode("red+b")
	debugColor = ansi.ColorCode("black+h")
)

// Logger is the kernel's printk. Every line is written whole so output from
// different cores does not interleave.
type Logger struct {
	sync.Mutex
	w       io.Writer
	color   bool
	verbose bool
}

func NewLogger(c *Config) *Logger {
	return &Logger{w: c.Output, color: c.Color, verbose: c.Verbose}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{w: io.Discard}
}

func (l *Logger) print(color, tag, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.Lock()
	defer l.Unlock()
	if l.color && color != "" {
		fmt.Fprintf(l.w, "%s[%s]%s %s\n", color, tag, ansi.Reset, msg)
	} else {
		fmt.Fprintf(l.w, "[%s] %s\n", tag, msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.print("", "info", format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.print(warnColor, "warn", format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.verbose {
		l.print(debugColor, "debug", format, args...)
	}
}

func (l *Logger) Bugf(format string, args ...interface{}) {
	l.print(bugColor, "BUG", format, args...)
}

func (l *Logger) Verbose() bool { return l.verbose }
