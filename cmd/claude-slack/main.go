// Command claude-slack is the administrative entry point for the
// message broker: project-link management, schema migration, and the
// local serve command. See internal/cli for the command tree.
package main

import (
	"os"

	"github.com/claude-slack/broker/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
