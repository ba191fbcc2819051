// Command defcal drives batches of defect calculations.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/3leaps/defcal/internal/cmd"
)

// Set via -ldflags "-X main.version=..." at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
