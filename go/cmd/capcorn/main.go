package main

import (
	"github.com/lunixbochs/capcorn/go/cmd"

	_ "github.com/lunixbochs/capcorn/go/cmd/repl"
	_ "github.com/lunixbochs/capcorn/go/cmd/run"
	_ "github.com/lunixbochs/capcorn/go/cmd/trace"
)

func main() { cmd.Main() }
