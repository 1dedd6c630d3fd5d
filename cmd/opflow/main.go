package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vantorsec/opflow/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "opflow",
	Short: "Distributed offensive task orchestration",
}

func main() {
	// Load .env if present; flags and real env still win.
	_ = godotenv.Load()

	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
