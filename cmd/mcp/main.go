// Swiftline MCP Server - exposes escrow operator actions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/swiftline/escrow/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("SWIFTLINE_API_URL", "http://localhost:8080"),
		APIToken: os.Getenv("SWIFTLINE_API_TOKEN"),
	}

	if cfg.APIToken == "" {
		fmt.Fprintln(os.Stderr, "SWIFTLINE_API_TOKEN is required (a staff JWT)")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
