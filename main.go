// The main package for the linkpipeline executable.
package main

import (
	"github.com/JakeFAU/joblink-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
