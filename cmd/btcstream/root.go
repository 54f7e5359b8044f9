package main

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "btcstream",
		Short: "Real-time BTC market data pipeline and price predictor",
	}
	root.AddCommand(runCmd(), selftestCmd(), versionCmd())
	return root.ExecuteContext(ctx)
}
