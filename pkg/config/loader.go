package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"repovault/pkg/app"
	"repovault/pkg/meta"
	"repovault/pkg/storage"
	"repovault/pkg/storage/cache"
	"repovault/pkg/storage/natsobj"
	"repovault/pkg/storage/remotefs"
	"repovault/pkg/storage/s3"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.rv -> ~/.rv
		viper.AddConfigPath(".")
		viper.AddConfigPath(".rv")
		viper.AddConfigPath(filepath.Join(home, ".rv"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (RV_DATABASE_DSN, RV_STORAGE_S3_BUCKET 等)
	viper.SetEnvPrefix("RV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 只是没找到配置文件时可以继续 (默认值 + 环境变量)
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Debug("no config file found, using defaults and environment")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	wd, _ := os.Getwd()
	repoDir := filepath.Join(wd, ".rv")

	// 存储默认值
	viper.SetDefault("storage.name", "default")
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(repoDir, "objects"))
	viper.SetDefault("storage.remotefs.check_timeout", "10s")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.nats.url", "nats://localhost:4222")
	viper.SetDefault("storage.nats.bucket", "repovault")
	viper.SetDefault("storage.nats.replicas", 1)
	viper.SetDefault("storage.nats.timeout", "5s")

	// 数据库默认值
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", filepath.Join(repoDir, "index.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.log_level", "warn")

	viper.SetDefault("cache.ttl", "24h")

	def := storage.DefaultRetryConfig()
	viper.SetDefault("retry.max_attempts", def.MaxAttempts)
	viper.SetDefault("retry.initial_delay", def.InitialDelay)
	viper.SetDefault("retry.max_delay", def.MaxDelay)
	viper.SetDefault("retry.multiplier", def.Multiplier)
	viper.SetDefault("retry.timeout", def.Timeout)

	viper.SetDefault("bundle.codec", "auto")
	viper.SetDefault("bundle.header_cache", 128)

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.metrics_addr", ":9090")
}

// FromViper 把全局 viper 状态转换成显式的 app.Config
func FromViper() app.Config {
	return app.Config{
		Storage: app.StorageConfig{
			Name: viper.GetString("storage.name"),
			Kind: viper.GetString("storage.type"),
			Path: viper.GetString("storage.path"),
			RemoteFS: remotefs.Config{
				MountPath:    viper.GetString("storage.remotefs.mount"),
				CheckTimeout: viper.GetDuration("storage.remotefs.check_timeout"),
			},
			S3: s3.Config{
				Endpoint:        viper.GetString("storage.s3.endpoint"),
				Region:          viper.GetString("storage.s3.region"),
				Bucket:          viper.GetString("storage.s3.bucket"),
				Prefix:          viper.GetString("storage.s3.prefix"),
				AccessKeyID:     viper.GetString("storage.s3.access_key"),
				SecretAccessKey: viper.GetString("storage.s3.secret_key"),
			},
			NATS: natsobj.Config{
				URL:         viper.GetString("storage.nats.url"),
				Bucket:      viper.GetString("storage.nats.bucket"),
				Username:    viper.GetString("storage.nats.username"),
				Password:    viper.GetString("storage.nats.password"),
				Token:       viper.GetString("storage.nats.token"),
				ClientName:  "repovault",
				Replicas:    viper.GetInt("storage.nats.replicas"),
				Timeout:     viper.GetDuration("storage.nats.timeout"),
				Compression: viper.GetBool("storage.nats.compression"),
			},
		},
		Database: meta.Config{
			Driver:   viper.GetString("database.driver"),
			Path:     viper.GetString("database.path"),
			DSN:      viper.GetString("database.dsn"),
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
			LogLevel: viper.GetString("database.log_level"),
		},
		Cache: cache.Config{
			RedisURL: viper.GetString("cache.redis_url"),
			TTL:      viper.GetDuration("cache.ttl"),
		},
		Retry: storage.RetryConfig{
			MaxAttempts:  viper.GetInt("retry.max_attempts"),
			InitialDelay: viper.GetDuration("retry.initial_delay"),
			MaxDelay:     viper.GetDuration("retry.max_delay"),
			Multiplier:   viper.GetFloat64("retry.multiplier"),
			Timeout:      viper.GetDuration("retry.timeout"),
			AddJitter:    true,
		},
		Bundle: app.BundleConfig{
			Codec:           viper.GetString("bundle.codec"),
			Concurrency:     viper.GetInt("bundle.concurrency"),
			HeaderCacheSize: viper.GetInt("bundle.header_cache"),
		},
	}
}
