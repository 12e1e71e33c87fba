package models

import (
	"io"
	"os"
)

type Config struct {
	CPUs      int
	KernelMem int
	CapSlots  int

	Color   bool
	Verbose bool
	// print every syscall with its decoded arguments
	TraceSys bool

	// lifecycle trace destination, nil to disable
	Trace  io.WriteCloser
	Output io.WriteCloser
}

func DefaultConfig() *Config {
	return &Config{
		CPUs:      4,
		KernelMem: 64 << 20,
		CapSlots:  256,
		Output:    os.Stderr,
	}
}

// Init fills in zero fields with their defaults.
func (c *Config) Init() *Config {
	def := DefaultConfig()
	if c.CPUs <= 0 {
		c.CPUs = def.CPUs
	}
	if c.KernelMem <= 0 {
		c.KernelMem = def.KernelMem
	}
	if c.CapSlots <= 0 {
		c.CapSlots = def.CapSlots
	}
	if c.Output == nil {
		c.Output = def.Output
	}
	return c
}
