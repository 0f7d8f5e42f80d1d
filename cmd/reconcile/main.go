package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Operator tooling for the donation reconciliation pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(sweepCmds()...)
	rootCmd.AddCommand(resendCmd())
	rootCmd.AddCommand(stuckCmd())
	rootCmd.AddCommand(verifyChainCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(attemptsCmd())
	return rootCmd
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
