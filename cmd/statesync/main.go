// Command statesync keeps a persisted state store in sync with connected
// systems.
package main

import (
	"os"

	"github.com/roach88/statesync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
