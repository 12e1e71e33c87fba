package trace

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

type bufCloser struct{ *bytes.Buffer }

func (bufCloser) Close() error { return nil }

func record(t *testing.T, ops ...models.Op) *trace.TraceReader {
	var buf bytes.Buffer
	tw, err := trace.NewWriter(bufCloser{&buf}, (&models.Config{CPUs: 2}).Init())
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range ops {
		if err := tw.Pack(op); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	tf, err := trace.NewReader(io.NopCloser(&buf))
	if err != nil {
		t.Fatal(err)
	}
	return tf
}

var ops = []models.Op{
	&trace.OpCreateGroup{Name: "root"},
	&trace.OpCreate{Tid: 1, Type: 1, Prio: 10, Cap: 3, Group: "root"},
	&trace.OpSyscall{Tid: 1, Name: "yield"},
	&trace.OpExit{Tid: 1, Last: true},
	&trace.OpReap{Tid: 1},
}

func TestPrintPretty(t *testing.T) {
	var out bytes.Buffer
	if err := PrintPretty(record(t, ops...), &out, false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(ops)+1 {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(ops)+1, out.String())
	}
	if !strings.HasPrefix(lines[0], "trace v1: 2 cpus") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "create tid=1") || !strings.Contains(lines[5], "reap tid=1") {
		t.Fatalf("ops = %q", lines[1:])
	}
	if strings.Contains(out.String(), "\x1b[") {
		t.Fatal("uncolored output has escape codes")
	}

	out.Reset()
	if err := PrintPretty(record(t, ops...), &out, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "\x1b[") {
		t.Fatal("colored output has no escape codes")
	}
}

func TestPrintJson(t *testing.T) {
	var out bytes.Buffer
	if err := PrintJson(record(t, ops...), &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(ops)+1 {
		t.Fatalf("got %d lines, want %d", len(lines), len(ops)+1)
	}
	if !strings.Contains(lines[0], `"Magic":"CCTR"`) {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], `"Op":"create"`) || !strings.Contains(lines[2], `"Group":"root"`) {
		t.Fatalf("create line = %q", lines[2])
	}
}
