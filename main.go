// The main package for the batchfetch executable.
package main

import (
	"github.com/JakeFAU/batchfetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
