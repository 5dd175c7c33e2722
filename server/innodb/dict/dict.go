package dict

import (
	"sync"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

// Table 数据字典中的一张表
type Table struct {
	ID        uint64
	Name      string
	Corrupted bool

	// ApplyUndoRec 回放一条undo记录，由上层注入
	ApplyUndoRec func(rec []byte, rollPtr uint64) error
}

// MDLTicket 元数据锁凭证
type MDLTicket struct {
	table    *Table
	released bool
}

// Dict 数据字典缓存
//
// 表按table_id登记。OpenTable以非阻塞方式获取MDL：
// 拿不到锁时返回重试哨兵，由调用方稍后重试。
type Dict struct {
	mu     sync.Mutex
	tables map[uint64]*dictEntry
}

type dictEntry struct {
	table  *Table
	locked bool
}

// RetrySentinel 非阻塞MDL失败时OpenTable返回的哨兵表
var RetrySentinel = &Table{Name: "#mdl-retry"}

func NewDict() *Dict {
	return &Dict{tables: make(map[uint64]*dictEntry)}
}

// Register 登记一张表
func (d *Dict) Register(t *Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[t.ID] = &dictEntry{table: t}
}

// Drop 删除一张表
func (d *Dict) Drop(tableID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, tableID)
}

// LockExclusive 模拟DDL持有表上的排他MDL
func (d *Dict) LockExclusive(tableID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.tables[tableID]; ok {
		e.locked = true
	}
}

// UnlockExclusive 释放DDL排他MDL
func (d *Dict) UnlockExclusive(tableID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.tables[tableID]; ok {
		e.locked = false
	}
}

// OpenTable 打开表并以非阻塞方式获取MDL
//
// 返回值分三种：表不存在时返回(nil, nil, ErrTableNotFound)；
// MDL被他人持有时返回(RetrySentinel, nil, nil)；
// 成功时返回表和凭证。
func (d *Dict) OpenTable(tableID uint64) (*Table, *MDLTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.tables[tableID]
	if !ok {
		return nil, nil, basic.ErrTableNotFound
	}
	if e.locked {
		return RetrySentinel, nil, nil
	}
	return e.table, &MDLTicket{table: e.table}, nil
}

// CloseTable 关闭表并释放MDL
func (d *Dict) CloseTable(t *Table, ticket *MDLTicket) {
	if ticket == nil || ticket.released {
		return
	}
	ticket.released = true
}
