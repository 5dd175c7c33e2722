package buffer_pool

import (
	"sync/atomic"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/latch"
)

// PageID 页面标识
type PageID struct {
	SpaceID uint32 // 表空间ID
	PageNo  uint32 // 页号
}

// Frame 缓冲池中的一个页面帧
//
// oldestModification为0表示页面是干净的；非0表示页面自该LSN起为脏页，
// 挂在缓冲池的flush list上。
type Frame struct {
	id    PageID
	data  []byte
	Latch *latch.Latch // 页面锁

	fixCount           int32  // 引用计数
	oldestModification uint64 // 首次修改LSN，0表示干净

	// flush list侵入式链表指针，受BufferPool.flushMu保护
	flushPrev *Frame
	flushNext *Frame
}

func newFrame(id PageID) *Frame {
	return &Frame{
		id:    id,
		data:  make([]byte, common.PAGE_SIZE),
		Latch: latch.NewLatch(),
	}
}

// ID 返回页面标识
func (f *Frame) ID() PageID {
	return f.id
}

// Data 返回页面内容
func (f *Frame) Data() []byte {
	return f.data
}

// Fix 增加引用计数
func (f *Frame) Fix() {
	atomic.AddInt32(&f.fixCount, 1)
}

// Unfix 减少引用计数
func (f *Frame) Unfix() {
	if atomic.AddInt32(&f.fixCount, -1) < 0 {
		panic("buffer_pool: frame unfixed below zero")
	}
}

// FixCount 当前引用计数
func (f *Frame) FixCount() int32 {
	return atomic.LoadInt32(&f.fixCount)
}

// OldestModification 返回首次修改LSN，0表示干净
func (f *Frame) OldestModification() uint64 {
	return atomic.LoadUint64(&f.oldestModification)
}
