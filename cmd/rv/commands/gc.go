package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcLimit int

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete recorded orphan objects",
	Long: `Objects left behind by failed compensations are recorded as orphans.
gc deletes those that are still unreferenced and forgets the records.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := RV.Gateway.Sweep(cmd.Context(), gcLimit)
		if err != nil {
			return fmt.Errorf("gc failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Deleted %d orphans, skipped %d still referenced, %d remaining\n",
			report.Deleted, report.Skipped, report.Remaining)
		return nil
	},
}

func init() {
	gcCmd.Flags().IntVar(&gcLimit, "limit", 0, "Maximum orphans to process (0 = all)")
	rootCmd.AddCommand(gcCmd)
}
