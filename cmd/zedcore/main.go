// Command zedcore runs the Zed conversation core: branch lifecycle, memory
// retrieval, context assembly and the per-message turn pipeline.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zedcore:", err)
		os.Exit(1)
	}
}
