// rowmerge merges duplicate records arriving from several sources into one
// store.
//
// Records are fingerprinted, linked to their parents and grouped by key.
// The best-ranked source of every group survives, and every write is paired
// with a compensating statement so a batch can be rolled back.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/rowmerge/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
