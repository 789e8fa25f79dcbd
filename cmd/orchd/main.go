// orchd is the command-line interface for orchestrating concurrent
// coding-assistant workers over Git worktrees.
package main

import (
	"os"

	"github.com/renxida/opus-orchestra-sub001/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
