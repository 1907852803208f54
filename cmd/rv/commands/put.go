package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"repovault/pkg/gateway"
	"repovault/pkg/types"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var (
	putOverwrite    bool
	putMetadata     string
	putContentsOnly bool
)

var putCmd = &cobra.Command{
	Use:   "put <entity> <path> <local-file|local-dir|->",
	Short: "Store a file or directory tree in an entity repository",
	Long: `Store content at <path> in the entity's repository.
A local directory is imported as a tree under <path>/<dir name>, or directly
under <path> with --contents-only. "-" reads the content from stdin.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, path, local := types.EntityID(args[0]), args[1], args[2]

		var opts []gateway.PutOption
		if putMetadata != "" {
			if !json.Valid([]byte(putMetadata)) {
				return errors.New("--meta must be valid JSON")
			}
			opts = append(opts, gateway.WithMetadata(json.RawMessage(putMetadata)))
		}
		if putOverwrite {
			opts = append(opts, gateway.Overwrite())
		}

		// 1. 选择内容来源
		var src gateway.Source
		if local == "-" {
			src = gateway.Reader(cmd.InOrStdin())
		} else {
			info, err := os.Stat(local)
			if err != nil {
				return err
			}
			if info.IsDir() {
				src = gateway.Tree(local, putContentsOnly)
			} else {
				f, err := os.Open(local)
				if err != nil {
					return err
				}
				defer f.Close()
				src = gateway.Reader(f)
			}
		}

		// 2. 写入 (后端 -> 索引)
		e, err := RV.Gateway.Put(cmd.Context(), entity, path, src, opts...)
		if err != nil {
			return fmt.Errorf("put failed: %w", err)
		}

		if e.IsDir {
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Imported tree %s/%s\n", entity, e.Path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s/%s (%s)\n", entity, e.Path, units.HumanSize(float64(e.Size)))
		}
		return nil
	},
}

func init() {
	putCmd.Flags().BoolVar(&putOverwrite, "overwrite", false, "Replace an existing file at the same path")
	putCmd.Flags().StringVar(&putMetadata, "meta", "", "JSON metadata attached to the entry")
	putCmd.Flags().BoolVar(&putContentsOnly, "contents-only", false, "Import a directory's contents without its name")
	rootCmd.AddCommand(putCmd)
}
