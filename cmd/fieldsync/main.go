// Command fieldsync queues field edits offline and syncs them to the backend.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
