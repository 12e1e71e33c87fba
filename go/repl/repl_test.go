package repl

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/lunixbochs/capcorn/go/kernel/micro"
	"github.com/lunixbochs/capcorn/go/models"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newContext(t *testing.T, cpus int) (*Context, *bytes.Buffer) {
	k, err := micro.NewKernel(&models.Config{CPUs: cpus, Output: nopCloser{io.Discard}})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return &Context{Writer: &out, K: k}, &out
}

func exec(c *Context, out *bytes.Buffer, line string) string {
	out.Reset()
	Run(c, line)
	return out.String()
}

func TestRunErrors(t *testing.T) {
	c, out := newContext(t, 1)
	tests := []struct {
		line string
		want string
	}{
		{"nope", "command not found."},
		{`caps "root`, "parse error"},
		{"caps", "usage: caps takes 1 argument(s)"},
		{"set threads x", "error:"},
		{"set bogus 1", `unknown parameter "bogus"`},
		{"caps root", `no group named "root"`},
		{"wait 0", "not booted"},
		{"boot nope", `unknown scenario "nope"`},
	}
	for _, tt := range tests {
		if got := exec(c, out, tt.line); !strings.Contains(got, tt.want) {
			t.Fatalf("Run(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
	if got := exec(c, out, ""); got != "" {
		t.Fatalf("Run(\"\") = %q", got)
	}
}

func TestHelp(t *testing.T) {
	c, out := newContext(t, 1)
	got := exec(c, out, "help")
	last := -1
	for _, name := range Names() {
		i := strings.Index(got, "  "+name+" ")
		if i < 0 || i < last {
			t.Fatalf("help output missing or misordered %q:\n%s", name, got)
		}
		last = i
	}
}

func TestInspect(t *testing.T) {
	c, out := newContext(t, 2)
	exec(c, out, "set threads 2")
	if c.Params.Threads != 2 {
		t.Fatalf("Params.Threads = %d, want 2", c.Params.Threads)
	}
	if got := exec(c, out, "boot join"); !strings.Contains(got, "booted thread<1 root>") {
		t.Fatalf("boot = %q", got)
	}
	tests := []struct {
		line string
		want []string
	}{
		{"ps", []string{"TID", "root", "ready"}},
		{"groups", []string{"root", "1"}},
		{"caps root", []string{"cap_group", "vmspace", "pmo size=0x800000", "thread<1 root>"}},
		{"maps root", []string{"0x500000000000-0x500000800000 rw- [stack]"}},
		{"syscalls", []string{"create_thread(Buf)", "set_prio(Cap, int32)", "yield()"}},
		{"stat", []string{"queued:  1", "idle"}},
		{"scenarios", []string{"affinity", "join"}},
	}
	for _, tt := range tests {
		got := exec(c, out, tt.line)
		for _, w := range tt.want {
			if !strings.Contains(got, w) {
				t.Fatalf("Run(%q) = %q, want %q", tt.line, got, w)
			}
		}
	}
	if got := exec(c, out, "boot join"); !strings.Contains(got, "already booted") {
		t.Fatalf("second boot = %q", got)
	}
}

func TestBootAndWait(t *testing.T) {
	c, out := newContext(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.K.Run(ctx)
	exec(c, out, "set code 3")
	exec(c, out, "set threads 2")
	exec(c, out, "boot exit_group")
	if got := exec(c, out, "wait 10"); !strings.Contains(got, "root group exited with 3") {
		t.Fatalf("wait = %q", got)
	}
}
