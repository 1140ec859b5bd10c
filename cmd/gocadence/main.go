package main

import (
	"fmt"
	"os"

	"github.com/ignatij/gocadence/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gocadence",
	Short: "Outreach cadences for contacts: templates, lifecycle and generated tasks",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := cli.Execute(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
