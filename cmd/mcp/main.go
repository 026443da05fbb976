// Command mcp serves read-only sybilguard investigator tools to LLM clients
// over stdio using the Model Context Protocol.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/sybilguard/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	apiURL := flag.String("api-url", envOrDefault("SYBILGUARD_API_URL", "http://localhost:8080"), "sybilguard API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout against the API")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg := mcpserver.Config{
		APIURL:  *apiURL,
		APIKey:  os.Getenv("SYBILGUARD_API_KEY"),
		Timeout: *timeout,
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "SYBILGUARD_API_KEY is required (an operator key)")
		os.Exit(1)
	}

	// stdout carries the protocol, so diagnostics go to stderr.
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
