package main

import (
	"context"
	"fmt"
	"os"

	"github.com/3leaps/cycjobs/internal/cmd"
	"github.com/3leaps/cycjobs/internal/observability"
)

// Set by the linker.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		code := cmd.ExitCode(err)
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		cmd.ExitWithCode(observability.CLILogger, code, "Command failed", err)
	}
}
