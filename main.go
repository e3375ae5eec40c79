// The main package for the unrealon executable.
package main

import (
	"github.com/markolofsen/unrealon-sdk/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
