package commands

import (
	"fmt"
	"io"

	"repovault/pkg/types"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <entity> <path>",
	Short: "Write a file's content to stdout",
	Long:  `Resolve <path> through the index (loose object or archive member) and stream its content to stdout.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, _, err := RV.Gateway.Open(cmd.Context(), types.EntityID(args[0]), args[1])
		if err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		defer rc.Close()

		// 二进制内容可以通过 > file.bin 重定向
		_, err = io.Copy(cmd.OutOrStdout(), rc)
		return err
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
