// Command agentmail is the pre-commit guard and service lifecycle CLI for
// the agent coordination substrate: it drives the relational store, the
// cross-process archive lock, and the Git-backed audit archive directly,
// with no network hop.
package main

import (
	"os"

	"github.com/jra3/agent-mail/cmd/agentmail/commands"
)

func main() {
	os.Exit(commands.Execute())
}
