package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"repovault/pkg/types"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BackendDescriptor 是注册时提供的后端信息
// Config 只能包含非敏感字段，调用方负责剔除密钥。
type BackendDescriptor struct {
	Name   string
	Kind   string
	Config map[string]any
}

// Registry 维护 name -> 后端注册记录 的映射
type Registry struct {
	db *DB
}

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

// Register 注册一个后端；同名后端已存在时返回已有记录。
// 已有记录的 kind 与 desc 不同说明配置被改坏了，返回 ErrConflict。
func (r *Registry) Register(ctx context.Context, desc BackendDescriptor) (*Backend, error) {
	if desc.Name == "" || desc.Kind == "" {
		return nil, errors.New("backend name and kind are required")
	}
	cfg, err := json.Marshal(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend config: %w", err)
	}

	var out Backend
	err = r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Backend
		err := tx.Where("name = ?", desc.Name).First(&existing).Error
		if err == nil {
			if existing.Kind != desc.Kind {
				return fmt.Errorf("backend %q is registered as %s, configured as %s: %w",
					desc.Name, existing.Kind, desc.Kind, types.ErrConflict)
			}
			if string(existing.Config) != string(cfg) {
				slog.Warn("backend connection config differs from registry record; using configured values",
					"backend", desc.Name)
			}
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		out = Backend{
			UUID:   uuid.NewString(),
			Name:   desc.Name,
			Kind:   desc.Kind,
			Config: datatypes.JSON(cfg),
		}
		if err := tx.Create(&out).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("backend %q registered concurrently: %w", desc.Name, types.ErrConflict)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Lookup 按名字查找后端注册记录
func (r *Registry) Lookup(ctx context.Context, name string) (*Backend, error) {
	var b Backend
	err := r.db.GetConn().WithContext(ctx).Where("name = ?", name).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("backend %q: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List 返回所有已注册的后端
func (r *Registry) List(ctx context.Context) ([]Backend, error) {
	var out []Backend
	err := r.db.GetConn().WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}
