package buffer_pool

import (
	"sync"
	"sync/atomic"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

const DEFAULT_POOL_PAGES = 16384 // 默认缓冲池大小（页数）

// BufferPool 缓冲池
//
// 这里只保留purge引擎需要的最小语义：按PageID取帧、脏页flush list
// （按oldestModification从新到旧排列，尾部最旧）以及flush hazard
// pointer。淘汰和预读不在这里实现。
type BufferPool struct {
	mu       sync.RWMutex
	frames   map[PageID]*Frame
	currSize uint32 // 容量（页数）

	lsn uint64 // 全局修改LSN，从2之后开始分配

	// flush list，头部最新，尾部最旧
	flushMu   sync.Mutex
	flushHead *Frame
	flushTail *Frame
	flushHP   *Frame // 并发flush移动的hazard pointer
	dirty     uint32
}

// NewBufferPool 创建缓冲池
func NewBufferPool(poolPages uint32) *BufferPool {
	if poolPages == 0 {
		poolPages = DEFAULT_POOL_PAGES
	}
	return &BufferPool{
		frames:   make(map[PageID]*Frame),
		currSize: poolPages,
		lsn:      2,
	}
}

// CurrSize 缓冲池容量（页数）
func (bp *BufferPool) CurrSize() uint32 {
	return bp.currSize
}

// GetPage 取出（必要时创建）一个页面帧，不加页面锁
func (bp *BufferPool) GetPage(space *Space, pageNo uint32) (*Frame, error) {
	if pageNo >= space.Size() {
		return nil, basic.ErrPageNotFound
	}
	id := PageID{SpaceID: space.ID, PageNo: pageNo}

	bp.mu.RLock()
	f := bp.frames[id]
	bp.mu.RUnlock()
	if f != nil {
		return f, nil
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f = bp.frames[id]; f == nil {
		f = newFrame(id)
		bp.frames[id] = f
	}
	return f, nil
}

// NextLSN 分配一个新的修改LSN
func (bp *BufferPool) NextLSN() uint64 {
	return atomic.AddUint64(&bp.lsn, 1)
}

// MarkDirty 将帧标记为脏页并挂到flush list头部
//
// 帧已经是脏页时只保留原来的oldestModification。
func (bp *BufferPool) MarkDirty(f *Frame) {
	if f.OldestModification() != 0 {
		return
	}
	lsn := bp.NextLSN()
	bp.flushMu.Lock()
	if atomic.CompareAndSwapUint64(&f.oldestModification, 0, lsn) {
		f.flushNext = bp.flushHead
		if bp.flushHead != nil {
			bp.flushHead.flushPrev = f
		}
		bp.flushHead = f
		if bp.flushTail == nil {
			bp.flushTail = f
		}
		bp.dirty++
	}
	bp.flushMu.Unlock()
}

// RemoveDirty 把帧从flush list上摘下并标记干净
//
// 调用者必须持有flushMu（通过FlushListLock）。
func (bp *BufferPool) RemoveDirty(f *Frame) {
	if f.OldestModification() == 0 {
		return
	}
	if f.flushPrev != nil {
		f.flushPrev.flushNext = f.flushNext
	} else {
		bp.flushHead = f.flushNext
	}
	if f.flushNext != nil {
		f.flushNext.flushPrev = f.flushPrev
	} else {
		bp.flushTail = f.flushPrev
	}
	if bp.flushHP == f {
		bp.flushHP = f.flushPrev
	}
	f.flushPrev = nil
	f.flushNext = nil
	atomic.StoreUint64(&f.oldestModification, 0)
	bp.dirty--
}

// FlushListLock 锁住flush list
func (bp *BufferPool) FlushListLock() {
	bp.flushMu.Lock()
}

// FlushListUnlock 解锁flush list
func (bp *BufferPool) FlushListUnlock() {
	bp.flushMu.Unlock()
}

// FlushListLast 返回flush list上最旧的帧，调用者持有flushMu
func (bp *BufferPool) FlushListLast() *Frame {
	return bp.flushTail
}

// FlushListPrev 返回链表上更新的前驱帧，调用者持有flushMu
func (bp *BufferPool) FlushListPrev(f *Frame) *Frame {
	return f.flushPrev
}

// SetFlushHP 设置flush hazard pointer，调用者持有flushMu
func (bp *BufferPool) SetFlushHP(f *Frame) {
	bp.flushHP = f
}

// FlushHP 读取flush hazard pointer，调用者持有flushMu
func (bp *BufferPool) FlushHP() *Frame {
	return bp.flushHP
}

// DirtyCount 脏页数量
func (bp *BufferPool) DirtyCount() uint32 {
	bp.flushMu.Lock()
	defer bp.flushMu.Unlock()
	return bp.dirty
}

// TruncateSpace 丢弃超过新大小的页面帧及其flush list表项
func (bp *BufferPool) TruncateSpace(space *Space, newSizePages uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.flushMu.Lock()
	defer bp.flushMu.Unlock()

	for id, f := range bp.frames {
		if id.SpaceID != space.ID {
			continue
		}
		if f.OldestModification() != 0 {
			if f.flushPrev != nil {
				f.flushPrev.flushNext = f.flushNext
			} else {
				bp.flushHead = f.flushNext
			}
			if f.flushNext != nil {
				f.flushNext.flushPrev = f.flushPrev
			} else {
				bp.flushTail = f.flushPrev
			}
			if bp.flushHP == f {
				bp.flushHP = f.flushPrev
			}
			f.flushPrev = nil
			f.flushNext = nil
			atomic.StoreUint64(&f.oldestModification, 0)
			bp.dirty--
		}
		if id.PageNo >= newSizePages {
			delete(bp.frames, id)
		} else {
			// 保留的页面内容清零，由truncate后的重建流程重写
			for i := range f.data {
				f.data[i] = 0
			}
		}
	}
}
