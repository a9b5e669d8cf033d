package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gridcast/ensembleql/internal/configure"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run the interactive configuration wizard",
	RunE: func(cmd *cobra.Command, args []string) error {
		printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
		return configure.Run(resolveConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
