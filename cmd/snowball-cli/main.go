package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "snowball-cli",
		Short: "CLI tool for the Snowball coin-mixing protocol",
		Long:  `A CLI tool for running, simulating, and coordinating Snowball mixing sessions.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(simulateCmd, serveCmd, joinCmd, infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display protocol information",
	Long:  `Display detailed information about the mixing protocol and its phases.`,
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	fmt.Println("Snowball CLI")
	fmt.Println()
	fmt.Println("Phases:")
	fmt.Println("  PoolWait -> PoolFormed -> SharedKeying -> Commitment -> CloakedVals -> Signature -> (SecretKeying) -> PoolFinished/PoolRestart")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  simulate  run an in-memory mixing session among N simulated wallets")
	fmt.Println("  serve     run a facilitator coordination server")
	fmt.Println("  join      POST a pool join request to a facilitator")
	return nil
}
