// The main package for the feedmux executable.
package main

import (
	"github.com/feedmux/feedmux/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
