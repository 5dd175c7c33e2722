package buffer_pool

import (
	"sync"
	"sync/atomic"
)

// Space 表空间
//
// undo表空间只有单个文件，截断（truncate）期间通过stopping和
// isBeingTruncated阻止新的引用进入。
type Space struct {
	ID uint32

	mu        sync.Mutex
	sizePages uint32 // 文件大小（页数）

	refCount  int32  // 引用计数
	stopping  uint32 // 置位后拒绝新引用
	truncated uint32 // 正在truncate

	undoTruncations uint64 // 被truncate的次数
}

// NewSpace 创建表空间
func NewSpace(id uint32, sizePages uint32) *Space {
	return &Space{ID: id, sizePages: sizePages}
}

// Size 返回文件大小（页数）
func (s *Space) Size() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizePages
}

// SetSize 重设文件大小（页数）
func (s *Space) SetSize(pages uint32) {
	s.mu.Lock()
	s.sizePages = pages
	s.mu.Unlock()
}

// Reacquire 增加引用计数
func (s *Space) Reacquire() {
	atomic.AddInt32(&s.refCount, 1)
}

// Release 释放引用计数
func (s *Space) Release() {
	if atomic.AddInt32(&s.refCount, -1) < 0 {
		panic("buffer_pool: space released below zero")
	}
}

// Referenced 是否仍有引用
func (s *Space) Referenced() bool {
	return atomic.LoadInt32(&s.refCount) > 0
}

// SetStopping 置位停止标记，拒绝新的引用
func (s *Space) SetStopping() {
	atomic.StoreUint32(&s.stopping, 1)
}

// ClearStopping 清除停止标记
func (s *Space) ClearStopping() {
	atomic.StoreUint32(&s.stopping, 0)
	atomic.StoreUint32(&s.truncated, 0)
}

// IsStopping 是否处于停止状态
func (s *Space) IsStopping() bool {
	return atomic.LoadUint32(&s.stopping) != 0
}

// SetBeingTruncated 标记正在truncate
func (s *Space) SetBeingTruncated() {
	atomic.StoreUint32(&s.truncated, 1)
}

// IsBeingTruncated 是否正在truncate
func (s *Space) IsBeingTruncated() bool {
	return atomic.LoadUint32(&s.truncated) != 0
}

// BumpUndoTruncations 累计truncate次数
func (s *Space) BumpUndoTruncations() {
	atomic.AddUint64(&s.undoTruncations, 1)
}

// UndoTruncations 返回truncate次数
func (s *Space) UndoTruncations() uint64 {
	return atomic.LoadUint64(&s.undoTruncations)
}
