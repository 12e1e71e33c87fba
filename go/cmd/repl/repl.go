package repl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/shibukawa/configdir"

	"github.com/lunixbochs/capcorn/go/cmd"
	shell "github.com/lunixbochs/capcorn/go/repl"
	"github.com/lunixbochs/capcorn/go/scenario"
)

// promptWriter sends output through readline so the prompt gets redrawn.
type promptWriter struct{ rl *readline.Instance }

func (w promptWriter) Write(p []byte) (int, error) { return w.rl.Stderr().Write(p) }
func (w promptWriter) Close() error                { return nil }

func historyPath() string {
	configDirs := configdir.New("capcorn", "repl")
	cacheDir := configDirs.QueryCacheFolder()
	if err := cacheDir.MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(cacheDir.Path, "history")
}

func Main(args []string) {
	c := cmd.NewKernelCmd()
	c.Usage = "[scenario]"

	var rl *readline.Instance
	c.SetupConfig = func() error {
		var err error
		rl, err = readline.NewEx(&readline.Config{
			Prompt:          "capcorn> ",
			InterruptPrompt: "\n",
			HistoryFile:     historyPath(),
		})
		if err != nil {
			return err
		}
		// -o still wins
		if _, ok := c.Config.Output.(*os.File); !ok {
			c.Config.Output = promptWriter{rl}
		}
		return nil
	}
	c.Teardown = func() {
		if rl != nil {
			rl.Close()
		}
	}
	c.RunKernel = func(args []string) error {
		ctx := &shell.Context{
			Writer: rl.Stderr(),
			K:      c.Kernel,
			Color:  c.Config.Color,
			Params: scenario.Params{Threads: 4, Iters: 16},
		}
		if len(args) > 0 {
			shell.Run(ctx, "boot "+args[0])
		}
		for {
			line, err := rl.Readline()
			if err == readline.ErrInterrupt {
				continue
			} else if err != nil {
				break
			}
			switch line {
			case "quit", "exit":
				return nil
			}
			if err := shell.Run(ctx, line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
		return nil
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("repl", "inspect a running kernel interactively", Main) }
