package main

import (
	"fmt"
	"os"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
