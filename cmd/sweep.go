package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Emit recurring scrapes for stale reports once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			resolveLogger(cmd.Context()).Info("sweep finished", zap.Int("emitted", n))
			fmt.Fprintf(cmd.OutOrStdout(), "emitted %d\n", n)
			return nil
		},
	}
}
