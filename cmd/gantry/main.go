package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/gantry-dev/gantry/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// ExitErrors already produced formatted output on the way up;
		// anything else is a cobra-level usage error.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
