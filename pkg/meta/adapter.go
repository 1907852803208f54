package meta

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 数据库配置
type Config struct {
	Driver string // "sqlite" (默认) 或 "postgres"

	// sqlite
	Path string // 数据库文件，例如 .rv/index.db

	// postgres
	DSN      string // 非空时优先于下面的字段
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable" for local

	LogLevel string // silent|error|warn|info
}

// DB 封装了 GORM 实例，作为元数据层的入口
type DB struct {
	conn *gorm.DB
}

func (cfg Config) dialector() (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite index requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		// 外键 + WAL，多个读者可以与写者并发
		return sqlite.Open(cfg.Path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"), nil
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf(
				"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
				cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode,
			)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func logLevel(s string) logger.LogLevel {
	switch s {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

// NewDB 初始化数据库连接
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}

	// 使用 GORM 打开连接，SQL 日志走 slog
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewSlogLogger(slog.Default(), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层 sql.DB 以配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if dialector.Name() == "sqlite" {
		// sqlite 只允许一个写者，串行化连接避免 "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else {
		// 连接池配置 (生产环境必配)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	// 验证连接是否存活
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	d := &DB{conn: db}
	// 自动迁移表结构
	if err := d.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}
	return d, nil
}

// NewWithConn 允许使用现有的 GORM 连接初始化 DB。
// 这对于依赖注入、复用连接池或单元测试非常有用。
func NewWithConn(conn *gorm.DB) *DB {
	return &DB{conn: conn}
}

// AutoMigrate 自动迁移表结构
func (d *DB) AutoMigrate(models ...any) error {
	return d.conn.AutoMigrate(models...)
}

func (d *DB) GetConn() *gorm.DB {
	return d.conn
}

// Close 关闭底层连接池
func (d *DB) Close() error {
	sqlDB, err := d.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
