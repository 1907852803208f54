package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Backend 是后端注册记录
// 名字全局唯一；注册后在进程内不可变。
type Backend struct {
	ID   uint   `gorm:"primaryKey"`
	UUID string `gorm:"uniqueIndex;type:char(36);not null"`

	// Name 是配置中引用后端的名字，例如 "default" 或 "archive-s3"
	Name string `gorm:"uniqueIndex;type:varchar(255);not null"`
	Kind string `gorm:"type:varchar(32);not null"`

	// Config 保存非敏感的连接配置 (endpoint、bucket、路径)，密钥永不落库
	Config datatypes.JSON

	CreatedAt time.Time
}

// ObjectRecord 是后端中一个对象的投影
// ArchiveMember 非空时，Key 是归档的 key，定位器为 (Key, ArchiveMember)。
type ObjectRecord struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"uniqueIndex;type:char(36);not null"`
	BackendID uint   `gorm:"index;not null"`

	Key           string `gorm:"index;type:varchar(1024);not null"`
	Size          int64
	Codec         string `gorm:"type:varchar(16)"`
	ArchiveMember *uint32

	CreatedAt time.Time
}

func (ObjectRecord) TableName() string {
	return "objects"
}

// IndexEntry 是 (entity, path) -> object 的连接表
// 目录的 path 以 "/" 结尾且 ObjectID 为空；文件必须有 ObjectID。
type IndexEntry struct {
	ID   uint   `gorm:"primaryKey"`
	UUID string `gorm:"uniqueIndex;type:char(36);not null"`

	Entity string `gorm:"uniqueIndex:idx_entity_path;index:idx_entity_parent;type:varchar(255);not null"`
	Path   string `gorm:"uniqueIndex:idx_entity_path;type:varchar(1024);not null"`

	// Parent 是所在目录 (目录形式，根为 "")，ListPrefix 只按它查询
	Parent string `gorm:"index:idx_entity_parent;type:varchar(1024);not null"`

	ObjectID *uint
	Object   *ObjectRecord `gorm:"foreignKey:ObjectID"`

	Metadata datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (IndexEntry) TableName() string {
	return "index_entries"
}

// EntityState 记录实体仓库是否已封存
// 没有记录等价于 Mutable。
type EntityState struct {
	Entity     string `gorm:"primaryKey;type:varchar(255)"`
	Sealed     bool   `gorm:"not null;default:false"`
	SealedAt   *time.Time
	ArchiveKey string `gorm:"type:varchar(1024)"`
}

// OrphanRecord 是补偿失败留下的孤儿对象，供外部 GC 清扫
type OrphanRecord struct {
	ID        uint   `gorm:"primaryKey"`
	BackendID uint   `gorm:"index;not null"`
	Key       string `gorm:"type:varchar(1024);not null"`
	Reason    string `gorm:"type:text"`
	CreatedAt time.Time
}

func (OrphanRecord) TableName() string {
	return "orphans"
}

// Models 返回需要迁移的全部表
func Models() []any {
	return []any{&Backend{}, &ObjectRecord{}, &IndexEntry{}, &EntityState{}, &OrphanRecord{}}
}
