package commands

import (
	"fmt"

	"repovault/pkg/types"

	"github.com/spf13/cobra"
)

var sealCmd = &cobra.Command{
	Use:   "seal <entity>",
	Short: "Bundle an entity's loose files into one archive and make it read-only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := types.EntityID(args[0])
		key, err := RV.Gateway.Seal(cmd.Context(), entity)
		if err != nil {
			return fmt.Errorf("seal failed: %w", err)
		}
		if key == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s sealed (nothing to bundle)\n", entity)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s sealed into archive %s\n", entity, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sealCmd)
}
