// Command reactor runs and inspects the realtime client sync core.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/reactor/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
