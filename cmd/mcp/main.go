// Sentinel MCP Server - exposes transaction screening as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/sentinel/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("SENTINEL_API_URL", "http://localhost:8080"),
		AnalystKey: os.Getenv("SENTINEL_ANALYST_KEY"),
		AnalystID:  os.Getenv("SENTINEL_ANALYST_ID"),
	}

	if cfg.AnalystKey != "" && cfg.AnalystID == "" {
		fmt.Fprintln(os.Stderr, "SENTINEL_ANALYST_ID is required when SENTINEL_ANALYST_KEY is set")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
