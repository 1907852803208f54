package gateway

import (
	"sync"

	"repovault/pkg/types"
)

// entityLocks 是按实体分配的读写锁，引用计数归零时回收
type entityLocks struct {
	mu    sync.Mutex
	locks map[types.EntityID]*entityLock
}

type entityLock struct {
	sync.RWMutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[types.EntityID]*entityLock)}
}

func (l *entityLocks) acquire(entity types.EntityID) *entityLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.locks[entity]
	if !ok {
		el = &entityLock{}
		l.locks[entity] = el
	}
	el.refs++
	return el
}

func (l *entityLocks) release(entity types.EntityID, el *entityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el.refs--
	if el.refs == 0 {
		delete(l.locks, entity)
	}
}

// Lock 独占 entity (写协议)，返回解锁函数
func (l *entityLocks) Lock(entity types.EntityID) (unlock func()) {
	el := l.acquire(entity)
	el.Lock()
	return func() {
		el.Unlock()
		l.release(entity, el)
	}
}

// RLock 共享 entity (读)，返回解锁函数
func (l *entityLocks) RLock(entity types.EntityID) (unlock func()) {
	el := l.acquire(entity)
	el.RLock()
	return func() {
		el.RUnlock()
		l.release(entity, el)
	}
}

// held 返回当前仍有引用的实体数 (测试用)
func (l *entityLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
