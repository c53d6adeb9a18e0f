// Command invoker runs the container pool subsystem of an Apache
// OpenWhisk invoker: the sandbox driver, container proxy, container pool,
// work feed, and activation runner described in this module's design
// document, plus an operator HTTP API for stats, eviction, and draining.
package main

import (
	"errors"
	"os"

	"github.com/apache/openwhisk-invoker-pool/internal/cli"
)

func main() {
	err := cli.Execute()
	if err == nil {
		os.Exit(0)
	}

	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
