package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"repovault/pkg/types"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Index 是仓库索引：(entity, path) -> 对象引用
// 每个方法都是一个独立的事务，从不跨越对后端的调用。
type Index struct {
	db      *DB
	backend uint // 本索引记录的对象所在的后端 (Backend.ID)
}

func NewIndex(db *DB, backend *Backend) *Index {
	return &Index{db: db, backend: backend.ID}
}

// BackendID 返回索引绑定的后端注册记录
func (r *Index) BackendID() uint { return r.backend }

// isDuplicate 兼容性,处理不同数据库(PG与SQLite)的唯一约束错误
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}

// -----------------------------------------------------------------------------
// 1. 封存状态 (Entity State)
// -----------------------------------------------------------------------------

func sealed(tx *gorm.DB, entity types.EntityID) (bool, error) {
	var st EntityState
	err := tx.Where("entity = ?", entity.String()).Limit(1).Find(&st).Error
	if err != nil {
		return false, err
	}
	return st.Sealed, nil
}

func ensureMutable(tx *gorm.DB, entity types.EntityID) error {
	s, err := sealed(tx, entity)
	if err != nil {
		return err
	}
	if s {
		return fmt.Errorf("entity %s is sealed: %w", entity, types.ErrMutability)
	}
	return nil
}

// IsSealed 查询实体是否已封存
func (r *Index) IsSealed(ctx context.Context, entity types.EntityID) (bool, error) {
	return sealed(r.db.GetConn().WithContext(ctx), entity)
}

// SetSealed 把实体状态翻转为 Sealed (幂等)
func (r *Index) SetSealed(ctx context.Context, entity types.EntityID, archiveKey string) error {
	now := time.Now().UTC()
	st := EntityState{Entity: entity.String(), Sealed: true, SealedAt: &now, ArchiveKey: archiveKey}
	// 已封存的实体保持原来的封存时间和归档
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := sealed(tx, entity)
		if err != nil || s {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity"}},
			DoUpdates: clause.AssignmentColumns([]string{"sealed", "sealed_at", "archive_key"}),
		}).Create(&st).Error
	})
}

// State 返回实体的完整状态记录 (未记录时为 Mutable)
func (r *Index) State(ctx context.Context, entity types.EntityID) (EntityState, error) {
	st := EntityState{Entity: entity.String()}
	err := r.db.GetConn().WithContext(ctx).Where("entity = ?", entity.String()).Limit(1).Find(&st).Error
	return st, err
}

// -----------------------------------------------------------------------------
// 2. 写入 (Upsert / Replace / Remove)
// -----------------------------------------------------------------------------

// normalize 校验条目并补齐目录形式的路径
func normalize(e types.Entry) (types.Entry, error) {
	if e.Entity.IsZero() {
		return e, errors.New("entry has no entity")
	}
	if strings.HasSuffix(e.Path, types.Separator) {
		e.IsDir = true
	}
	if e.IsDir {
		// 目录不能携带对象，丢弃 locator 等于丢数据
		if e.Locator != nil {
			return e, fmt.Errorf("directory entry %s cannot reference object %s", e.Path, e.Locator.Key)
		}
		e.Path = types.DirPath(e.Path)
	} else {
		e.Path = types.CleanPath(e.Path)
		if e.Locator == nil || e.Locator.Key == "" {
			return e, fmt.Errorf("file entry %s has no object", e.Path)
		}
	}
	if e.Path == "" {
		return e, errors.New("the root directory cannot be indexed")
	}
	return e, nil
}

func (r *Index) insert(tx *gorm.DB, e types.Entry) error {
	// 1. 同名的文件/目录不能共存 ("a" 与 "a/")
	twin := strings.TrimSuffix(e.Path, types.Separator)
	if !e.IsDir {
		twin = e.Path + types.Separator
	}
	var n int64
	if err := tx.Model(&IndexEntry{}).
		Where("entity = ? AND path = ?", e.Entity.String(), twin).
		Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%s/%s collides with %s: %w", e.Entity, e.Path, twin, types.ErrConflict)
	}

	// 2. 补齐祖先目录 (已存在则忽略)
	for _, dir := range types.Ancestors(e.Path) {
		var file int64
		if err := tx.Model(&IndexEntry{}).
			Where("entity = ? AND path = ?", e.Entity.String(), strings.TrimSuffix(dir, types.Separator)).
			Count(&file).Error; err != nil {
			return err
		}
		if file > 0 {
			return fmt.Errorf("ancestor %s of %s is a file: %w", dir, e.Path, types.ErrConflict)
		}
		d := IndexEntry{
			UUID:   uuid.NewString(),
			Entity: e.Entity.String(),
			Path:   dir,
			Parent: types.Parent(dir),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error; err != nil {
			return err
		}
	}

	// 3. 对象记录 + 索引记录
	row := IndexEntry{
		UUID:     uuid.NewString(),
		Entity:   e.Entity.String(),
		Path:     e.Path,
		Parent:   types.Parent(e.Path),
		Metadata: datatypes.JSON(e.Metadata),
	}
	if !e.IsDir {
		obj := ObjectRecord{
			UUID:          uuid.NewString(),
			BackendID:     r.backend,
			Key:           e.Locator.Key,
			Size:          e.Size,
			Codec:         e.Codec,
			ArchiveMember: e.Locator.Member,
		}
		if err := tx.Create(&obj).Error; err != nil {
			return fmt.Errorf("failed to record object: %w", err)
		}
		row.ObjectID = &obj.ID
	}
	if err := tx.Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%s/%s already indexed: %w", e.Entity, e.Path, types.ErrConflict)
		}
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// Upsert 插入一条新条目。(entity, path) 已存在时返回 ErrConflict，
// 覆盖必须走 Replace。缺失的祖先目录会在同一个事务里创建。
func (r *Index) Upsert(ctx context.Context, e types.Entry) (types.Entry, error) {
	e, err := normalize(e)
	if err != nil {
		return e, err
	}
	err = r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMutable(tx, e.Entity); err != nil {
			return err
		}
		return r.insert(tx, e)
	})
	return e, err
}

// UpsertTree 在一个事务里插入多条条目 (目录树导入)
func (r *Index) UpsertTree(ctx context.Context, entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	normalized := make([]types.Entry, 0, len(entries))
	for _, e := range entries {
		ne, err := normalize(e)
		if err != nil {
			return err
		}
		normalized = append(normalized, ne)
	}
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		checked := make(map[types.EntityID]bool)
		for _, e := range normalized {
			if !checked[e.Entity] {
				if err := ensureMutable(tx, e.Entity); err != nil {
					return err
				}
				checked[e.Entity] = true
			}
			if e.IsDir {
				// 目录可能已经作为别的文件的祖先被创建
				var n int64
				if err := tx.Model(&IndexEntry{}).
					Where("entity = ? AND path = ?", e.Entity.String(), e.Path).
					Count(&n).Error; err != nil {
					return err
				}
				if n > 0 {
					continue
				}
			}
			if err := r.insert(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replace 是显式覆盖路径：先删除旧条目 (目录则整个子树)，再插入新条目。
// 返回被删除的条目，调用方负责清理它们引用的对象。
func (r *Index) Replace(ctx context.Context, e types.Entry) ([]types.Entry, error) {
	e, err := normalize(e)
	if err != nil {
		return nil, err
	}
	var removed []types.Entry
	err = r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMutable(tx, e.Entity); err != nil {
			return err
		}
		for _, p := range []string{e.Path, twinPath(e.Path)} {
			rm, err := r.remove(tx, e.Entity, p)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
			removed = append(removed, rm...)
		}
		return r.insert(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func twinPath(p string) string {
	if strings.HasSuffix(p, types.Separator) {
		return strings.TrimSuffix(p, types.Separator)
	}
	return p + types.Separator
}

// subtree 返回目录 dir 下所有条目的查询条件 (不含 dir 自身)。
// 前缀用 substr 逐字符比较，与排序规则无关，也不受 LIKE 通配符和大小写折叠影响。
func subtree(tx *gorm.DB, entity types.EntityID, dir string) *gorm.DB {
	return tx.Where("entity = ? AND path <> ? AND substr(path, 1, ?) = ?",
		entity.String(), dir, utf8.RuneCountInString(dir), dir)
}

func (r *Index) remove(tx *gorm.DB, entity types.EntityID, path string) ([]types.Entry, error) {
	var rows []IndexEntry
	if err := tx.Preload("Object").
		Where("entity = ? AND path = ?", entity.String(), path).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.ErrNotFound
	}
	if strings.HasSuffix(path, types.Separator) {
		var children []IndexEntry
		if err := subtree(tx.Preload("Object"), entity, path).Find(&children).Error; err != nil {
			return nil, err
		}
		rows = append(rows, children...)
	}

	ids := make([]uint, 0, len(rows))
	var objectIDs []uint
	out := make([]types.Entry, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		if row.ObjectID != nil {
			objectIDs = append(objectIDs, *row.ObjectID)
		}
		out = append(out, toEntry(row))
	}
	// 先删索引记录 (外键指向对象记录)，再删对象记录
	if err := tx.Where("id IN ?", ids).Delete(&IndexEntry{}).Error; err != nil {
		return nil, err
	}
	if len(objectIDs) > 0 {
		if err := tx.Where("id IN ?", objectIDs).Delete(&ObjectRecord{}).Error; err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Remove 删除一个条目；目录会连同子树一起删除。
// 返回被删除的条目，调用方据此删除后端对象。
func (r *Index) Remove(ctx context.Context, entity types.EntityID, path string) ([]types.Entry, error) {
	var removed []types.Entry
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMutable(tx, entity); err != nil {
			return err
		}
		resolved, err := resolvePath(tx, entity, path)
		if err != nil {
			return err
		}
		removed, err = r.remove(tx, entity, resolved)
		return err
	})
	return removed, err
}

// -----------------------------------------------------------------------------
// 3. 查询 (Lookup / ListPrefix)
// -----------------------------------------------------------------------------

func toEntry(row IndexEntry) types.Entry {
	e := types.Entry{
		Entity:   types.EntityID(row.Entity),
		Path:     row.Path,
		IsDir:    strings.HasSuffix(row.Path, types.Separator),
		Metadata: json.RawMessage(row.Metadata),
	}
	if row.Object != nil {
		e.Locator = &types.Locator{Key: row.Object.Key, Member: row.Object.ArchiveMember}
		e.Size = row.Object.Size
		e.Codec = row.Object.Codec
	}
	return e
}

// resolvePath 把用户输入的路径解析为已索引的路径
// "a" 既可以是文件 "a"，也可以是目录 "a/"；以 "/" 结尾时只匹配目录。
func resolvePath(tx *gorm.DB, entity types.EntityID, path string) (string, error) {
	wantDir := strings.HasSuffix(path, types.Separator) || strings.HasSuffix(path, "\\")
	clean := types.CleanPath(path)
	if clean == "" {
		return "", fmt.Errorf("root of %s: %w", entity, types.ErrNotFound)
	}
	candidates := []string{clean, clean + types.Separator}
	if wantDir {
		candidates = candidates[1:]
	}
	var rows []IndexEntry
	if err := tx.Select("path").
		Where("entity = ? AND path IN ?", entity.String(), candidates).
		Order("path").
		Find(&rows).Error; err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%s/%s: %w", entity, clean, types.ErrNotFound)
	}
	return rows[0].Path, nil
}

// Lookup 返回单个条目。根目录总是存在 (合成条目)。
func (r *Index) Lookup(ctx context.Context, entity types.EntityID, path string) (types.Entry, error) {
	if types.CleanPath(path) == "" {
		return types.Entry{Entity: entity, IsDir: true}, nil
	}
	tx := r.db.GetConn().WithContext(ctx)
	resolved, err := resolvePath(tx, entity, path)
	if err != nil {
		return types.Entry{}, err
	}
	var row IndexEntry
	err = tx.Preload("Object").
		Where("entity = ? AND path = ?", entity.String(), resolved).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Entry{}, fmt.Errorf("%s/%s: %w", entity, resolved, types.ErrNotFound)
	}
	if err != nil {
		return types.Entry{}, err
	}
	return toEntry(row), nil
}

// ListPrefix 返回目录的直接子节点，按路径排序。只查索引，从不访问后端。
// prefix 是文件时返回该文件自身。
func (r *Index) ListPrefix(ctx context.Context, entity types.EntityID, prefix string) ([]types.Entry, error) {
	parent := ""
	if types.CleanPath(prefix) != "" {
		e, err := r.Lookup(ctx, entity, prefix)
		if err != nil {
			return nil, err
		}
		if !e.IsDir {
			return []types.Entry{e}, nil
		}
		parent = e.Path
	}

	var rows []IndexEntry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Object").
		Where("entity = ? AND parent = ?", entity.String(), parent).
		Order("path").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntry(row))
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// 4. 打包支持 (Bundler)
// -----------------------------------------------------------------------------

// LooseFiles 返回实体中所有尚未打包的文件条目，按路径排序
func (r *Index) LooseFiles(ctx context.Context, entity types.EntityID) ([]types.Entry, error) {
	var rows []IndexEntry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Object").
		Where("entity = ? AND object_id IN (?)", entity.String(),
			r.db.GetConn().Model(&ObjectRecord{}).Select("id").Where("archive_member IS NULL")).
		Order("path").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntry(row))
	}
	return out, nil
}

// ArchivedMember 描述一个被打包进归档的松散对象
type ArchivedMember struct {
	Path     string
	LooseKey string // 打包前的 key，用于乐观校验
	ID       uint32
	Codec    string
}

// RelinkToArchive 在一个事务里把条目从松散 key 改为 (archiveKey, member)。
// 任一条目在打包期间被修改过时返回 ErrConflict，整个事务回滚。
func (r *Index) RelinkToArchive(ctx context.Context, entity types.EntityID, archiveKey string, members []ArchivedMember) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMutable(tx, entity); err != nil {
			return err
		}
		for _, m := range members {
			var row IndexEntry
			err := tx.Preload("Object").
				Where("entity = ? AND path = ?", entity.String(), m.Path).
				First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s/%s vanished while bundling: %w", entity, m.Path, types.ErrConflict)
			}
			if err != nil {
				return err
			}
			if row.Object == nil || row.Object.Key != m.LooseKey || row.Object.ArchiveMember != nil {
				return fmt.Errorf("%s/%s changed while bundling: %w", entity, m.Path, types.ErrConflict)
			}

			id := m.ID
			obj := ObjectRecord{
				UUID:          uuid.NewString(),
				BackendID:     r.backend,
				Key:           archiveKey,
				Size:          row.Object.Size,
				Codec:         m.Codec,
				ArchiveMember: &id,
			}
			if err := tx.Create(&obj).Error; err != nil {
				return err
			}
			if err := tx.Model(&IndexEntry{}).Where("id = ?", row.ID).
				Update("object_id", obj.ID).Error; err != nil {
				return err
			}
			if err := tx.Delete(&ObjectRecord{}, row.Object.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// IsReferenced 报告 key 是否仍被某个对象记录引用 (GC 前的安全检查)
func (r *Index) IsReferenced(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.db.GetConn().WithContext(ctx).Model(&ObjectRecord{}).
		Where("backend_id = ? AND key = ?", r.backend, key).
		Count(&n).Error
	return n > 0, err
}

// -----------------------------------------------------------------------------
// 5. 孤儿对象 (GC hints)
// -----------------------------------------------------------------------------

// RecordOrphan 记录一个补偿失败的对象，供 Sweep 或外部 GC 清理
func (r *Index) RecordOrphan(ctx context.Context, key, reason string) error {
	return r.db.GetConn().WithContext(ctx).Create(&OrphanRecord{
		BackendID: r.backend,
		Key:       key,
		Reason:    reason,
	}).Error
}

func (r *Index) Orphans(ctx context.Context, limit int) ([]OrphanRecord, error) {
	var out []OrphanRecord
	q := r.db.GetConn().WithContext(ctx).Where("backend_id = ?", r.backend).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (r *Index) ForgetOrphan(ctx context.Context, id uint) error {
	return r.db.GetConn().WithContext(ctx).Delete(&OrphanRecord{}, id).Error
}

// -----------------------------------------------------------------------------
// 6. 统计 (Stats)
// -----------------------------------------------------------------------------

type Stats struct {
	Dirs     int64
	Loose    int64
	Archived int64
	Bytes    int64
}

func (r *Index) Stats(ctx context.Context, entity types.EntityID) (Stats, error) {
	var rows []IndexEntry
	if err := r.db.GetConn().WithContext(ctx).Preload("Object").
		Where("entity = ?", entity.String()).
		Find(&rows).Error; err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, row := range rows {
		switch {
		case row.Object == nil:
			s.Dirs++
		case row.Object.ArchiveMember != nil:
			s.Archived++
			s.Bytes += row.Object.Size
		default:
			s.Loose++
			s.Bytes += row.Object.Size
		}
	}
	return s, nil
}
