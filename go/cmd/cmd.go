package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/kernel/micro"
	"github.com/lunixbochs/capcorn/go/models"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// ExitStatus is returned by RunKernel to end the process with a code.
type ExitStatus int

func (e ExitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

type KernelCmd struct {
	Config *models.Config
	Kernel *micro.Kernel

	// Usage is appended to "Usage: <cmd> [options]".
	Usage string

	SetupFlags  func() error
	SetupConfig func() error
	RunKernel   func(args []string) error
	Teardown    func()

	Flags *flag.FlagSet
}

func NewKernelCmd() *KernelCmd {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	return &KernelCmd{Flags: fs}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func (c *KernelCmd) PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if err, ok := err.(stackTracer); ok {
		// parse full path and method name for each stack frame
		var frames [][]string
		for _, f := range err.StackTrace() {
			fullpath := ""
			fileline := fmt.Sprintf("%s:%d", f, f)
			method := fmt.Sprintf("%n", f)

			frame := fmt.Sprintf("%+s", f)
			tmp := strings.SplitN(frame, "\n", 3)
			if len(tmp) == 2 {
				pathsplit := strings.Split(tmp[0], "/")
				method = pathsplit[len(pathsplit)-1]
				fullpath = strings.TrimSpace(tmp[1])
			}
			frames = append(frames, []string{fullpath, fileline, method})
			if method == "main.main" {
				break
			}
		}
		widths := make([]int, 3)
		for _, f := range frames {
			for i, s := range f {
				if len(s) > widths[i] {
					widths[i] = len(s)
				}
			}
		}
		for _, f := range frames {
			for i := 0; i < 2; i++ {
				if widths[i] > 0 {
					pad := strings.Repeat(" ", widths[i]-len(f[i]))
					fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
				}
			}
			fmt.Fprintf(os.Stderr, "%s()\n", f[2])
		}
	}
}

// stderrColor reports whether stderr can show ANSI colors.
func stderrColor() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Run parses argv, builds the kernel, drives its cores while RunKernel
// runs, and returns the process exit code.
func (c *KernelCmd) Run(argv []string) int {
	fs := c.Flags
	cpus := fs.Int("cpus", 4, "number of cores")
	mem := fs.Int("mem", 64<<20, "kernel memory budget in bytes")
	slots := fs.Int("slots", 256, "capability slots per group")
	verbose := fs.Bool("v", false, "verbose output")
	color := fs.Bool("color", stderrColor(), "colorize log output")

	strace := fs.Bool("strace", false, "trace syscalls")
	tracefile := fs.String("to", "", "binary lifecycle trace output file")
	tnames := []string{"strace", "to"}

	outfile := fs.String("o", "", "redirect kernel log to file (default stderr)")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to <file>")
	memprofile := fs.String("memprofile", "", "write mem profile to <file>")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] %s\n\nOptions:\n", argv[0], c.Usage)
		var flags []*flag.Flag
		var tflags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) {
			for _, name := range tnames {
				if name == f.Name {
					tflags = append(tflags, f)
					return
				}
			}
			flags = append(flags, f)
		})
		models.PrintFlags(os.Stderr, flags)
		fmt.Fprintf(os.Stderr, "\nTrace Options:\n")
		models.PrintFlags(os.Stderr, tflags)
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			panic(err)
		}
	}
	fs.Parse(argv[1:])

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			panic(err)
		}
		pprof.StartCPUProfile(f)
	}

	config := &models.Config{
		CPUs:      *cpus,
		KernelMem: *mem,
		CapSlots:  *slots,
		Color:     *color,
		Verbose:   *verbose,
		TraceSys:  *strace,
	}
	c.Config = config
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			c.PrintError(errors.Wrap(err, "open log"))
			return 1
		}
		config.Output = out
		config.Color = false
	} else if *color {
		config.Output = nopCloser{colorable.NewColorableStderr()}
	} else {
		config.Output = nopCloser{os.Stderr}
	}
	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			c.PrintError(errors.Wrap(err, "create trace file"))
			return 1
		}
		config.Trace = f
	}
	if c.SetupConfig != nil {
		if err := c.SetupConfig(); err != nil {
			c.PrintError(err)
			return 1
		}
	}

	k, err := micro.NewKernel(config)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	c.Kernel = k
	defer func() {
		if err := k.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "closing trace: %v\n", err)
		}
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not write heap profile: %s\n", err)
			} else {
				pprof.WriteHeapProfile(f)
				f.Close()
			}
		}
		if c.Teardown != nil {
			c.Teardown()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- k.Run(ctx) }()
	if c.RunKernel != nil {
		err = c.RunKernel(fs.Args())
	}
	cancel()
	if kerr := <-errc; err == nil {
		err = kerr
	}
	if err != nil {
		if e, ok := errors.Cause(err).(ExitStatus); ok {
			return int(e)
		}
		c.PrintError(err)
		return 1
	}
	return 0
}
