package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "payment-orchestrator",
	Short: "Payment orchestration microservice",
	Long:  "A payment orchestration microservice routing card and wallet payments, keeping the payment ledger, and reconciling gateway webhooks.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
