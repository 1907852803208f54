package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfig = `# repovault configuration
storage:
  name: default
  type: disk
  path: %s
database:
  driver: sqlite
  path: %s
bundle:
  codec: auto
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a local repovault workspace",
	Long:  `Create ./.rv with an object directory, an sqlite index location and a default config.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 获取当前路径
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		repoPath := filepath.Join(wd, ".rv")
		objectsPath := filepath.Join(repoPath, "objects")
		cfgPath := filepath.Join(repoPath, "config.yaml")

		// 2. 检查是否已存在
		if _, err := os.Stat(cfgPath); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  repovault workspace already exists in %s\n", repoPath)
			return nil
		}

		// 3. 创建目录结构与默认配置
		if err := os.MkdirAll(objectsPath, 0o755); err != nil {
			return fmt.Errorf("failed to create repo directory: %w", err)
		}
		content := fmt.Sprintf(defaultConfig, objectsPath, filepath.Join(repoPath, "index.db"))
		if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Initialized empty repovault workspace in %s\n", repoPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
