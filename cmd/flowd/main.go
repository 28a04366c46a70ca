package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		runServe()
		return
	}

	switch args[0] {
	case "serve":
		runServe()
	case "mcp":
		runMCP(args[1:])
	case "install":
		runInstall(args[1:])
	case "update":
		runUpdate(args[1:])
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `flowd - workflow execution engine for service-business automation

Usage:
  flowd [command]

Commands:
  serve     Run the engine with the HTTP API and scheduler (default)
  mcp       Run the engine as an MCP server (stdio, or SSE with --sse)
  install   Write settings and start (or reload) the server
  update    Self-update from the latest release
  version   Print the build version

Configuration is layered: defaults < ~/.flowd/settings.json < FLOWD_* env vars.
`)
}
