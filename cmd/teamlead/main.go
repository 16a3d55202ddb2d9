// Command teamlead runs role agents (PM, SPEC, DEV, QA and friends) over the
// tasks of chat-registered groups.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
