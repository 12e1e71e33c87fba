package repl

import (
	"fmt"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/capgroup"
	"github.com/lunixbochs/capcorn/go/object"
	"github.com/lunixbochs/capcorn/go/thread"
	"github.com/lunixbochs/capcorn/go/vmspace"
)

// groups walks the capability graph from the root group, breadth first.
func (c *Context) groups() []*capgroup.CapGroup {
	root := c.K.Root()
	if root == nil {
		return nil
	}
	seen := map[*capgroup.CapGroup]bool{root: true}
	out := []*capgroup.CapGroup{root}
	for i := 0; i < len(out); i++ {
		out[i].Each(func(_ capgroup.Cap, o *object.Object) {
			if g, ok := object.As[*capgroup.CapGroup](o); ok && !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		})
	}
	return out
}

func (c *Context) group(name string) (*capgroup.CapGroup, error) {
	for _, g := range c.groups() {
		if g.Name == name {
			return g, nil
		}
	}
	return nil, errors.Errorf("no group named %q", name)
}

func members(g *capgroup.CapGroup) []*thread.Thread {
	var out []*thread.Thread
	for _, o := range g.Members() {
		if t, ok := object.As[*thread.Thread](o); ok {
			out = append(out, t)
		}
	}
	return out
}

var stateColors = map[thread.State]string{
	thread.TS_RUNNING: "green",
	thread.TS_WAITING: "yellow",
	thread.TS_READY:   "cyan",
	thread.TS_EXIT:    "red",
}

func (c *Context) state(s thread.State) string {
	if c.Color {
		if color, ok := stateColors[s]; ok {
			return ansi.Color(s.String(), color)
		}
	}
	return s.String()
}

func affinity(a int32) string {
	if a == thread.NO_AFF {
		return "-"
	}
	return fmt.Sprint(a)
}

var PsCmd = cmd(&Command{
	Name: "ps",
	Desc: "List threads of every reachable group.",
	Run: func(c *Context) error {
		rows := [][]string{{"TID", "GROUP", "TYPE", "PRIO", "AFF", "CPU", "EXIT", "STATE"}}
		for _, g := range c.groups() {
			for _, t := range members(g) {
				ctx := t.Ctx()
				rows = append(rows, []string{
					fmt.Sprint(t.ID), g.Name, t.Type().String(),
					fmt.Sprint(ctx.Prio()), affinity(ctx.Affinity()), fmt.Sprint(ctx.CPU()),
					t.ExitState().String(), c.state(t.State()),
				})
			}
		}
		c.table(rows)
		return nil
	},
})

var GroupsCmd = cmd(&Command{
	Name: "groups",
	Desc: "List cap groups with their membership counters.",
	Run: func(c *Context) error {
		rows := [][]string{{"NAME", "CAPS", "COUNT", "LINKED", "EXIT"}}
		for _, g := range c.groups() {
			s := g.Check(nil)
			exit := "-"
			if g.TornDown() {
				exit = fmt.Sprint(g.ExitCode())
			}
			rows = append(rows, []string{g.Name, fmt.Sprint(g.Caps()), fmt.Sprint(s.Count), fmt.Sprint(s.Linked), exit})
		}
		c.table(rows)
		return nil
	},
})

var CapsCmd = cmd(&Command{
	Name: "caps",
	Desc: "Dump a group's capability table.",
	Run: func(c *Context, name string) error {
		g, err := c.group(name)
		if err != nil {
			return err
		}
		rows := [][]string{{"CAP", "TYPE", "REFS", "OBJECT"}}
		g.Each(func(cap capgroup.Cap, o *object.Object) {
			desc := ""
			switch v := o.Payload().(type) {
			case *thread.Thread:
				desc = v.String()
			case *capgroup.CapGroup:
				desc = v.Name
			case *vmspace.PMO:
				desc = fmt.Sprintf("pmo size=%#x", v.Size)
			}
			rows = append(rows, []string{fmt.Sprint(cap), o.Type().String(), fmt.Sprint(o.Refcount()), desc})
		})
		c.table(rows)
		return nil
	},
})

var MapsCmd = cmd(&Command{
	Name: "maps",
	Desc: "Display a group's memory mappings.",
	Run: func(c *Context, name string) error {
		g, err := c.group(name)
		if err != nil {
			return err
		}
		space, ok := object.As[*vmspace.VMSpace](g.VMSpace())
		if !ok {
			return errors.Errorf("%s has no address space", name)
		}
		for _, m := range space.Mappings() {
			c.Printf("  %v\n", m.String())
		}
		return nil
	},
})
