// Command convo-tools serves the builtin tools over MCP stdio, so they can
// be registered as an out-of-process tool server.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/convo/internal/tools"
	"github.com/michaelbrown/convo/internal/tools/builtin"
)

func main() {
	s := tools.NewMCPServer("convo-tools", "0.1.0", builtin.All())
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
