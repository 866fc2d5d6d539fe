// Command mcp exposes the phraseclaim registry as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/phraseclaim/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("PHRASECLAIM_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("PHRASECLAIM_TOKEN"),
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "PHRASECLAIM_TOKEN not set; write tools are disabled")
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
