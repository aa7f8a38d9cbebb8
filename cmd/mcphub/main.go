// Command mcphub manages a set of MCP endpoints and serves their aggregated
// tool catalog over the Streamable HTTP transport.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
