package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	traceFlush bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to HCL configuration")
	rootCmd.PersistentFlags().BoolVar(&traceFlush, "trace", false, "Dump the computed flush plan before executing it")
	rootCmd.AddCommand(demoCmd)
}

var rootCmd = &cobra.Command{
	Use:   "ebb",
	Short: "Ebb: a unit-of-work flush scheduler over SQLite",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
