package mtr

import (
	"github.com/juju/errors"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// Mtr 迷你事务
//
// 把对若干页面的修改组织成一个原子批次：页面在memo中按加锁顺序登记，
// 写操作立即应用并把页面标脏，Commit按逆序释放所有页面锁。
type Mtr struct {
	bp      *buffer_pool.BufferPool
	memo    []memoSlot
	started bool

	namedSpace *buffer_pool.Space
}

type memoSlot struct {
	frame *buffer_pool.Frame
	xlock bool
}

// New 创建一个未启动的迷你事务
func New(bp *buffer_pool.BufferPool) *Mtr {
	return &Mtr{bp: bp}
}

// Start 启动迷你事务
func (m *Mtr) Start() {
	if m.started {
		panic("mtr: already started")
	}
	m.started = true
	m.memo = m.memo[:0]
	m.namedSpace = nil
}

// GetPageX 取页面并加排他锁，登记到memo
//
// 同一页面在一个迷你事务内只加一次锁，重复获取直接复用memo中的登记。
func (m *Mtr) GetPageX(space *buffer_pool.Space, pageNo uint32) (*buffer_pool.Frame, error) {
	if !m.started {
		panic("mtr: not started")
	}
	f, err := m.bp.GetPage(space, pageNo)
	if err != nil {
		return nil, errors.Annotatef(err, "mtr get page %d:%d", space.ID, pageNo)
	}
	for _, s := range m.memo {
		if s.frame == f {
			if !s.xlock {
				panic("mtr: page already latched in shared mode")
			}
			return f, nil
		}
	}
	f.Latch.Lock()
	f.Fix()
	m.memo = append(m.memo, memoSlot{frame: f, xlock: true})
	return f, nil
}

// GetPageS 取页面并加共享锁，登记到memo
func (m *Mtr) GetPageS(space *buffer_pool.Space, pageNo uint32) (*buffer_pool.Frame, error) {
	if !m.started {
		panic("mtr: not started")
	}
	f, err := m.bp.GetPage(space, pageNo)
	if err != nil {
		return nil, errors.Annotatef(err, "mtr get page %d:%d", space.ID, pageNo)
	}
	for _, s := range m.memo {
		if s.frame == f {
			return f, nil
		}
	}
	f.Latch.RLock()
	f.Fix()
	m.memo = append(m.memo, memoSlot{frame: f})
	return f, nil
}

// HaveXLatch 页面是否已在memo中以排他方式登记
func (m *Mtr) HaveXLatch(f *buffer_pool.Frame) bool {
	for _, s := range m.memo {
		if s.frame == f && s.xlock {
			return true
		}
	}
	return false
}

// Write2 写入2字节小端整数并标脏
func (m *Mtr) Write2(f *buffer_pool.Frame, off uint32, v uint16) {
	util.WriteUB2At(f.Data(), off, v)
	m.bp.MarkDirty(f)
}

// Write4 写入4字节小端整数并标脏
func (m *Mtr) Write4(f *buffer_pool.Frame, off uint32, v uint32) {
	util.WriteUB4At(f.Data(), off, v)
	m.bp.MarkDirty(f)
}

// Write8 写入8字节小端整数并标脏
func (m *Mtr) Write8(f *buffer_pool.Frame, off uint32, v uint64) {
	util.WriteUB8At(f.Data(), off, v)
	m.bp.MarkDirty(f)
}

// WriteBytes 写入一段字节并标脏
func (m *Mtr) WriteBytes(f *buffer_pool.Frame, off uint32, b []byte) {
	copy(f.Data()[off:], b)
	m.bp.MarkDirty(f)
}

// Memset 把一段区间填充为同一字节并标脏
func (m *Mtr) Memset(f *buffer_pool.Frame, off uint32, length uint32, b byte) {
	util.MemsetAt(f.Data(), off, length, b)
	m.bp.MarkDirty(f)
}

// SetNamedSpace 把迷你事务和一个表空间关联，CommitShrink时使用
func (m *Mtr) SetNamedSpace(space *buffer_pool.Space) {
	m.namedSpace = space
}

// TrimPages 丢弃表空间中指定页号之后的页面
func (m *Mtr) TrimPages(space *buffer_pool.Space, sizePages uint32) {
	m.bp.TruncateSpace(space, sizePages)
}

// Commit 提交：按逆序释放memo中的所有页面
func (m *Mtr) Commit() {
	if !m.started {
		panic("mtr: commit without start")
	}
	m.release()
	m.started = false
}

// CommitShrink 提交一次表空间收缩
//
// 与Commit等价，但额外把表空间恢复为可用状态并记录日志。
func (m *Mtr) CommitShrink(space *buffer_pool.Space) {
	if !m.started {
		panic("mtr: commit without start")
	}
	if m.namedSpace != space {
		panic("mtr: commit_shrink without set_named_space")
	}
	m.release()
	m.started = false
	space.ClearStopping()
	logger.Infof("mtr: shrunk space %d to %d pages", space.ID, space.Size())
}

func (m *Mtr) release() {
	for i := len(m.memo) - 1; i >= 0; i-- {
		s := m.memo[i]
		s.frame.Unfix()
		if s.xlock {
			s.frame.Latch.Unlock()
		} else {
			s.frame.Latch.RUnlock()
		}
	}
	m.memo = m.memo[:0]
}
