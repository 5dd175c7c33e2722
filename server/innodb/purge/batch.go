package purge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/dict"
)

// PurgeRec 分派给purge任务的一条undo记录
type PurgeRec struct {
	Rec     []byte
	RollPtr uint64
	TableID uint64
}

// PurgeNode 一个purge任务
//
// 同一张表的记录总是落在同一个任务上，保证对单表的回放有序。
type PurgeNode struct {
	recs    []PurgeRec
	tables  map[uint64]*dict.Table
	tickets map[uint64]*dict.MDLTicket
}

func newPurgeNode() *PurgeNode {
	return &PurgeNode{
		tables:  make(map[uint64]*dict.Table),
		tickets: make(map[uint64]*dict.MDLTicket),
	}
}

// Execute 回放分派到本任务的undo记录
func (n *PurgeNode) Execute() int {
	done := 0
	for _, pr := range n.recs {
		t := n.tables[pr.TableID]
		if t == nil || t.Corrupted {
			continue
		}
		if t.ApplyUndoRec != nil {
			if err := t.ApplyUndoRec(pr.Rec, pr.RollPtr); err != nil {
				logger.Errorf("purge: apply undo rec for table %d at %d:%d: %v",
					pr.TableID, RollPtrPage(pr.RollPtr), RollPtrOffset(pr.RollPtr), err)
				continue
			}
		}
		done++
	}
	return done
}

// closeTables 释放任务持有的表和MDL
func (n *PurgeNode) closeTables(dc *dict.Dict) {
	for id, t := range n.tables {
		dc.CloseTable(t, n.tickets[id])
	}
	n.tables = make(map[uint64]*dict.Table)
	n.tickets = make(map[uint64]*dict.MDLTicket)
}

// mdlRetryDelay 重试MDL的轮询间隔
const mdlRetryDelay = 10 * time.Millisecond

// openTableForPurge 打开表并拿MDL，必要时关闭全部已开的表给DDL让路
func (p *PurgeSys) openTableForPurge(nodes []*PurgeNode, tableID uint64) (*dict.Table, *dict.MDLTicket) {
	t, ticket, err := p.dc.OpenTable(tableID)
	if err != nil {
		// 表已删除，对应的undo记录直接丢弃
		return nil, nil
	}
	if t != dict.RetrySentinel {
		return t, ticket
	}

	// MDL被DDL持有，关掉手上所有表再轮询等待
	for _, n := range nodes {
		if n != nil {
			n.closeTables(p.dc)
		}
	}
	for !p.Stopping() {
		t, ticket, err = p.dc.OpenTable(tableID)
		if err != nil {
			return nil, nil
		}
		if t != dict.RetrySentinel {
			return t, ticket
		}
		time.Sleep(mdlRetryDelay)
	}
	return nil, nil
}

// attachUndoRecs 为一个批次取记录并按表路由到各任务
//
// 新出现的表按轮转方式分配任务，轮转计数到达任务数后回绕。批次大小
// 按本批次钉住的页数计，软上限。返回本批次取到的记录数（含空日志的
// 占位计数）。
func (p *PurgeSys) attachUndoRecs(nodes []*PurgeNode, batchPages int) int {
	p.WaitFTS()

	tableRoute := make(map[uint64]int)
	nHandled := 0
	i := 0

	p.latch.Lock()
	defer p.latch.Unlock()

	for len(p.pages) < batchPages {
		rec, rollPtr, err := p.FetchNextRec()
		if err != nil {
			logger.Errorf("purge: fetch next rec: %v", err)
			break
		}
		if rec == nil {
			if rollPtr == 0 {
				break
			}
			// 空日志，计数但无事可做
			nHandled++
			continue
		}

		tableID := UndoRecTableID(rec, 0)
		idx, seen := tableRoute[tableID]
		if !seen {
			t, ticket := p.openTableForPurge(nodes, tableID)
			if t == nil {
				idx = -1
			} else {
				idx = i
				i = (i + 1) % len(nodes)
				nodes[idx].tables[tableID] = t
				nodes[idx].tickets[tableID] = ticket
			}
			tableRoute[tableID] = idx
		}
		if idx >= 0 {
			// 让路重开后表可能被关掉了，补一次登记
			if _, ok := nodes[idx].tables[tableID]; !ok {
				t, ticket := p.openTableForPurge(nodes, tableID)
				if t == nil {
					tableRoute[tableID] = -1
					nHandled++
					continue
				}
				nodes[idx].tables[tableID] = t
				nodes[idx].tickets[tableID] = ticket
			}
			nodes[idx].recs = append(nodes[idx].recs, PurgeRec{
				Rec:     rec,
				RollPtr: rollPtr,
				TableID: tableID,
			})
		}
		nHandled++
	}
	return nHandled
}

// computeDMLDelay 根据history积压计算DML线程的自我延迟
func (p *PurgeSys) computeDMLDelay() {
	maxLag := int64(p.cfg.InnodbMaxPurgeLag)
	maxDelay := int64(p.cfg.InnodbMaxPurgeLagDelay)
	var delay int64
	if maxLag > 0 {
		history := p.ts.HistorySize()
		if history > maxLag {
			delay = history*10000/maxLag - 5000
			if maxDelay > 0 && delay > maxDelay {
				delay = maxDelay
			}
			if delay < 0 {
				delay = 0
			}
		}
	}
	atomic.StoreInt64(&p.dmlDelayMicros, delay)
}

// Purge 执行一个purge批次
//
// 克隆最老的读视图，按批次页数取undo记录并分派给若干并发任务，
// 第一个任务在协调线程上原地执行。truncateHistory为真时顺带做
// history截断和undo表空间截断。返回本批次处理的记录数。
func (p *PurgeSys) Purge(nTasks int, truncateHistory bool) (int, error) {
	if nTasks < 1 {
		nTasks = 1
	}

	p.CloneOldestView()
	p.computeDMLDelay()

	nodes := make([]*PurgeNode, nTasks)
	for i := range nodes {
		nodes[i] = newPurgeNode()
	}

	// 一个批次最多钉住缓冲池的四分之三
	batchPages := p.cfg.InnodbPurgeBatchSize
	if limit := int(p.bp.CurrSize()) * 3 / 4; batchPages > limit {
		batchPages = limit
	}
	// 立即关机模式下缩短批次、跳过截断，尽快收尾
	if p.cfg.InnodbFastShutdown == 2 {
		if batchPages > 20 {
			batchPages = 20
		}
		truncateHistory = false
	}
	nHandled := p.attachUndoRecs(nodes, batchPages)

	head := p.Tail()

	var wg sync.WaitGroup
	for _, n := range nodes[1:] {
		if len(n.recs) == 0 {
			continue
		}
		wg.Add(1)
		go func(n *PurgeNode) {
			defer wg.Done()
			n.Execute()
		}(n)
	}
	nodes[0].Execute()
	wg.Wait()

	for _, n := range nodes {
		n.closeTables(p.dc)
	}

	p.BatchCleanup(head)

	if truncateHistory {
		if err := p.FreeHistory(); err != nil {
			return nHandled, err
		}
		if _, err := p.TruncateUndoTablespace(); err != nil {
			return nHandled, err
		}
	}
	return nHandled, nil
}

// RunCoordinator purge协调循环，空转时退避
func (p *PurgeSys) RunCoordinator() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		idle := time.Duration(0)
		for !p.Stopping() {
			if p.Paused() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			n, err := p.Purge(p.cfg.InnodbPurgeThreads, true)
			if err != nil {
				logger.Errorf("purge: batch failed: %v", err)
			}
			if n == 0 {
				if idle < 100*time.Millisecond {
					idle += 10 * time.Millisecond
				}
				time.Sleep(idle)
			} else {
				idle = 0
			}
		}
	}()
}
