package repl

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"

	"github.com/lunixbochs/argjoy"
	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mattn/go-runewidth"
	"github.com/mattn/go-shellwords"

	"github.com/lunixbochs/capcorn/go/kernel/micro"
	"github.com/lunixbochs/capcorn/go/scenario"
)

type Command struct {
	Name string
	Desc string
	Run  interface{}
}

var Commands = make(map[string]*Command)

func cmd(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	Commands[c.Name] = c
	return c
}

// Context is what every command runs against.
type Context struct {
	io.Writer
	K      *micro.Kernel
	Color  bool
	Params scenario.Params
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

// strArgs converts typed words for command arguments.
func strArgs(arg interface{}, vals []interface{}) error {
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *int:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return err
		}
		*v = int(n)
	case *uint64:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		*v = n
	default:
		return argjoy.NoMatch
	}
	return nil
}

var aj = argjoy.NewArgjoy()

func init() { aj.Register(strArgs) }

// Run parses one line and dispatches it. Unknown commands and argument
// errors are reported to the user, never returned.
func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	cmd, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return nil
	}
	if want := reflect.TypeOf(cmd.Run).NumIn() - 1; want != len(args) {
		c.Printf("usage: %s takes %d argument(s)\n", name, want)
		return nil
	}
	vals := make([]interface{}, 0, len(args)+1)
	vals = append(vals, c)
	for _, a := range args {
		vals = append(vals, a)
	}
	out, err := aj.Call(cmd.Run, vals...)
	if err != nil {
		c.Printf("error: %v\n", err)
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok && err != nil {
			c.Printf("error: %v\n", err)
		}
	}
	return nil
}

// Names lists the command table in natural order.
func Names() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	return names
}

// table prints rows with every column padded to its widest cell.
func (c *Context) table(rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		line := " "
		for i, cell := range row {
			if i == len(row)-1 {
				line += " " + cell
			} else {
				line += " " + runewidth.FillRight(cell, widths[i])
			}
		}
		c.Printf("%s\n", line)
	}
}

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Run: func(c *Context) error {
		var rows [][]string
		for _, name := range Names() {
			rows = append(rows, []string{name, Commands[name].Desc})
		}
		c.table(rows)
		return nil
	},
})
