package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"repovault/pkg/app"
	"repovault/pkg/config"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	RV *app.App
	// ownsApp 表示 RV 是本进程创建的，需要在退出时关闭
	ownsApp bool
)

var rootCmd = &cobra.Command{
	Use:           "rv",
	Short:         "repovault: per-entity object repositories over pluggable storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log.level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		// init 就是去创建环境的，不需要 App
		if cmd.Name() == "init" || RV != nil {
			return nil
		}

		cfg := config.FromViper()
		cfg.Logger = logger
		RV, err = app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize repovault: %w\n(Did you run 'rv init'?)", err)
		}
		ownsApp = true
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if !ownsApp || RV == nil {
			return nil
		}
		err := RV.Close()
		RV, ownsApp = nil, false
		return err
	},
}

// Execute 是入口
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.rv/config.yaml or $HOME/.rv/config.yaml)")

	// 这样用户既可以在 yaml 里写，也可以用参数覆盖
	flags.String("storage-path", "", "Directory to store objects (disk backend)")
	flags.String("storage-type", "", "Storage backend: disk | remotefs | s3 | nats")
	flags.String("log-level", "warn", "Log level: debug | info | warn | error")
	for key, flag := range map[string]string{
		"storage.path": "storage-path",
		"storage.type": "storage-type",
		"log.level":    "log-level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

// newLogger 创建写到 stderr 的彩色日志，非终端时自动关闭颜色
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})), nil
}
