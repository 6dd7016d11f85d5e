package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/snowball/internal/facilitator"
)

var (
	serveAddr        string
	serveMinPoolSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a facilitator coordination server",
	Long:  `Start the untrusted facilitator that groups joining wallets into pools and relays their session traffic.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to listen on")
	serveCmd.Flags().IntVar(&serveMinPoolSize, "min-pool-size", 3, "minimum joiners before a pool is announced")
}

func runServe(cmd *cobra.Command, args []string) error {
	f := facilitator.New(serveMinPoolSize)
	fmt.Printf("facilitator listening on %s (min pool size %d)\n", serveAddr, serveMinPoolSize)
	return f.Router().Run(serveAddr)
}
