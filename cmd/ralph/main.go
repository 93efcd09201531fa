// Command ralph is the local-mode CLI: run, status, stop, checkpoint, and
// attach against loops driven directly by internal/driver, with no daemon
// or control-plane connection required.
package main

import (
	"fmt"
	"os"

	"github.com/ralphloop/ralph/internal/cli"

	_ "github.com/ralphloop/ralph/internal/agent/claude"
	_ "github.com/ralphloop/ralph/internal/agent/opencode"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
