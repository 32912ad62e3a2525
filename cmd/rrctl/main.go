// Command rrctl runs the regex-railroad worker from a terminal and prints
// its output placed the way the editor preview would place it.
package main

import (
	"fmt"
	"os"

	rrerrors "regexrailroad/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, rrerrors.UserMessage(err))
		os.Exit(1)
	}
}
