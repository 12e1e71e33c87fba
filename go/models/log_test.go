package models

import (
	"bytes"
	"strings"
	"testing"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	c := &Config{Output: nopCloser{&buf}}
	log := NewLogger(c.Init())
	log.Infof("boot cpu %d", 0)
	log.Debugf("hidden")
	log.Warnf("thread %d not in exit state", 3)
	out := buf.String()
	if !strings.Contains(out, "[info] boot cpu 0\n") {
		t.Fatalf("Infof() output = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("Debugf() printed without verbose: %q", out)
	}
	if !strings.Contains(out, "[warn] thread 3 not in exit state\n") {
		t.Fatalf("Warnf() output = %q", out)
	}
}

func TestLoggerColor(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{Output: nopCloser{&buf}, Color: true, Verbose: true})
	log.Bugf("refcount underflow")
	log.Debugf("shown")
	out := buf.String()
	if !strings.Contains(out, bugColor) {
		t.Fatalf("Bugf() = %q, want color code", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("Debugf() with verbose = %q", out)
	}
}

func TestConfigInit(t *testing.T) {
	c := (&Config{CPUs: 2}).Init()
	if c.CPUs != 2 || c.CapSlots != 256 || c.Output == nil {
		t.Fatalf("Init() = %+v", c)
	}
}
