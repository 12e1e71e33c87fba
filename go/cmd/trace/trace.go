package trace

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/cmd"
	"github.com/lunixbochs/capcorn/go/models"
	"github.com/lunixbochs/capcorn/go/models/trace"
)

func PrintJson(tf *trace.TraceReader, w io.Writer) error {
	out, err := json.Marshal(&tf.Header)
	if err != nil {
		return errors.Wrap(err, "error printing header")
	}
	fmt.Fprintf(w, "%s\n", out)
	for {
		op, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		out, _ := json.Marshal(struct {
			Op   string
			Data models.Op
		}{opKind(op), op})
		fmt.Fprintf(w, "%s\n", out)
	}
	return nil
}

var opColors = map[string]string{
	"create":       "green",
	"create_group": "green+b",
	"exit":         "yellow",
	"exit_group":   "red+b",
	"reap":         "red",
	"switch":       "black+h",
	"syscall":      "cyan",
}

func opKind(op models.Op) string {
	switch op.(type) {
	case *trace.OpCreate:
		return "create"
	case *trace.OpCreateGroup:
		return "create_group"
	case *trace.OpExit:
		return "exit"
	case *trace.OpExitGroup:
		return "exit_group"
	case *trace.OpReap:
		return "reap"
	case *trace.OpSwitch:
		return "switch"
	case *trace.OpSyscall:
		return "syscall"
	}
	return ""
}

func PrintPretty(tf *trace.TraceReader, w io.Writer, color bool) error {
	h := tf.Header
	fmt.Fprintf(w, "trace v%d: %d cpus, %d bytes kernel memory, %d cap slots\n", h.Version, h.CPUs, h.KernelMem, h.CapSlots)
	for i := 0; ; i++ {
		op, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		line := fmt.Sprint(op)
		if c, ok := opColors[opKind(op)]; ok && color {
			line = ansi.Color(line, c)
		}
		fmt.Fprintf(w, "%6d %s\n", i, line)
	}
	return nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output trace as line-delimited JSON objects")
	color := fs.Bool("color", isatty.IsTerminal(os.Stdout.Fd()), "colorize pretty output")
	fs.Usage = func() {
		fmt.Printf("Usage: %s [options] <tracefile>\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	args = fs.Args()

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", args[0], err)
		os.Exit(1)
	}
	tf, err := trace.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening trace file: %v\n", err)
		os.Exit(1)
	}
	defer tf.Close()
	if *jsonFlag {
		err = PrintJson(tf, os.Stdout)
	} else {
		err = PrintPretty(tf, colorable.NewColorableStdout(), *color)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func init() { cmd.Register("trace", "print a saved lifecycle trace", Main) }
