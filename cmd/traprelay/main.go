// Command traprelay receives SNMP traps, correlates the interface they
// refer to and relays them to an HTTP collector.
package main

import (
	"os"

	"github.com/geekxflood/traprelay/cmd/traprelay/command"
)

func main() {
	if err := command.RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
