// svmsim simulates Solana transactions offline against a fixed account
// snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/fortiblox/svmsim/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "svmsim:", err)
		os.Exit(1)
	}
}
