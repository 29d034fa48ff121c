// Command smtfetch runs AArch64 programs through the fetch stage of a
// simulated SMT core and reports fetch statistics.
package main

import (
	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
