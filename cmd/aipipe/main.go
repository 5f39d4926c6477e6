// AIPipe is an authenticating, cost-metering reverse proxy that fronts
// LLM HTTP APIs so browser clients can call them without provider keys.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/aipipe.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("aipipe", version)
		os.Exit(0)
	}

	// Local development convenience; missing .env is fine.
	godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
