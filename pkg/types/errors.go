package types

import "errors"

// 错误分类 (所有组件共享，调用方用 errors.Is 判断)
var (
	// ErrNotFound key 或路径不存在
	ErrNotFound = errors.New("not found")

	// ErrMutability 对已密封 (Sealed) 的实体执行写入或删除
	ErrMutability = errors.New("entity repository is sealed")

	// ErrCorruption 索引引用了后端或归档无法解析的对象，或校验和不匹配
	ErrCorruption = errors.New("repository corruption")

	// ErrBackendUnavailable 重试预算耗尽后的暂时性后端故障，调用方可稍后重试
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict 未走显式覆盖路径的重复 (entity, path) 插入
	ErrConflict = errors.New("conflict")
)
