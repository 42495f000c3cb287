// Command htmlgraph tracks agent work as a dependency graph of HTML
// documents with per-session event journals.
package main

import (
	"os"

	"github.com/Shakes-tzd/htmlgraph/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
