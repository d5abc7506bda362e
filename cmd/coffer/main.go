// Command coffer runs and inspects a replicated archive node.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/coffer/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "coffer: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
