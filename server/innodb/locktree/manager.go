package locktree

import (
	"sync"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

// Ltm 锁树管理器
//
// 按索引缓存锁树，并维护全局的锁数量预算。所有锁树共享同一份预算，
// 任何一棵树消耗的区间都计入curr_locks。
type Ltm struct {
	mu       sync.Mutex
	maxLocks uint32
	curr     uint32
	trees    map[uint64]*LockTree
}

// NewLtm 创建管理器，maxLocks为全局区间数上限
func NewLtm(maxLocks uint32) (*Ltm, error) {
	if maxLocks == 0 {
		return nil, basic.ErrInvalidParameter
	}
	return &Ltm{
		maxLocks: maxLocks,
		trees:    make(map[uint64]*LockTree),
	}, nil
}

// SetMaxLocks 调整全局预算，不能低于当前占用
func (m *Ltm) SetMaxLocks(maxLocks uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxLocks == 0 || maxLocks < m.curr {
		return basic.ErrInvalidParameter
	}
	m.maxLocks = maxLocks
	return nil
}

// MaxLocks 当前全局预算
func (m *Ltm) MaxLocks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLocks
}

// CurrLocks 当前占用的区间数
func (m *Ltm) CurrLocks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curr
}

// GetLockTree 取索引对应的锁树，不存在则创建
func (m *Ltm) GetLockTree(indexID uint64, cmp CompareFunc) *LockTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	lt, ok := m.trees[indexID]
	if !ok {
		lt = newLockTree(m, cmp)
		m.trees[indexID] = lt
	}
	return lt
}

// CloseLockTree 丢弃索引的锁树
func (m *Ltm) CloseLockTree(indexID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trees, indexID)
}

// Close 关闭全部锁树，返回遇到的第一个错误
func (m *Ltm) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, lt := range m.trees {
		lt.mu.Lock()
		if lt.panicked && first == nil {
			first = basic.ErrLockTreeInconsistent
		}
		lt.mu.Unlock()
		delete(m.trees, id)
	}
	return first
}

// reserve 申请add个区间，replaced个被合并的区间抵扣。超预算返回false
func (m *Ltm) reserve(add, replaced uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.curr + add
	if next < replaced {
		next = 0
	} else {
		next -= replaced
	}
	if next > m.maxLocks {
		return false
	}
	m.curr = next
	return true
}

// release 归还区间预算
func (m *Ltm) release(n uint32) {
	m.mu.Lock()
	if m.curr < n {
		m.curr = 0
	} else {
		m.curr -= n
	}
	m.mu.Unlock()
}
