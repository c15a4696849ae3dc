// Command quizgate runs and moderates quiz sessions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/quizgate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
