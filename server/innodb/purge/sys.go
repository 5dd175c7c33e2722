package purge

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/conf"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/dict"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// Iterator purge进度游标
//
// 按(提交序号, 记录号)字典序推进。TrxNo之前的提交已全部处理，
// 当前提交内UndoNo之前的记录已全部处理。
type Iterator struct {
	TrxNo  uint64
	UndoNo uint64
}

// PurgeSys purge子系统单例
//
// tail是下一条待取记录的位置，head是已完成批次的位置，
// head之前的undo日志可以被history截断回收。
type PurgeSys struct {
	ts  *TrxSys
	bp  *buffer_pool.BufferPool
	dc  *dict.Dict
	cfg *conf.Cfg

	// latch保护视图与读取游标
	latch sync.RWMutex

	pqMutex sync.Mutex
	pq      purgeQueue
	iter    TrxUndoRsegsIterator

	view        ReadView
	viewActive  bool

	// end_view供读者判断哪些历史版本可能已被回收
	endLatch sync.RWMutex
	endView  ReadView

	head Iterator
	tail Iterator

	// 当前正在读取的undo日志位置
	rseg       *Rseg
	nextStored bool
	hdrPageNo  uint32
	hdrOffset  uint32
	pageNo     uint32
	offset     uint32

	// 本批次钉住的页面
	pages map[buffer_pool.PageID]*buffer_pool.Frame

	// undo表空间与截断状态
	spaces   []*buffer_pool.Space
	truncate struct {
		current *buffer_pool.Space
		last    *buffer_pool.Space
	}

	paused   int32
	stopping int32
	wg       sync.WaitGroup

	ftsMu       sync.Mutex
	ftsDropping map[uint64]int

	dmlDelayMicros int64
}

// NewPurgeSys 创建purge子系统并把它挂到事务系统上
func NewPurgeSys(ts *TrxSys, bp *buffer_pool.BufferPool, dc *dict.Dict, cfg *conf.Cfg) *PurgeSys {
	p := &PurgeSys{
		ts:          ts,
		bp:          bp,
		dc:          dc,
		cfg:         cfg,
		pages:       make(map[buffer_pool.PageID]*buffer_pool.Frame),
		ftsDropping: make(map[uint64]int),
	}
	heap.Init(&p.pq)
	p.iter.sys = p
	ts.purge = p
	return p
}

// Close 停止purge并释放钉住的页面
//
// innodb_fast_shutdown为0时先把history清空再停。
func (p *PurgeSys) Close() {
	atomic.StoreInt32(&p.stopping, 1)
	p.wg.Wait()

	if p.cfg.InnodbFastShutdown == 0 {
		for p.ts.HistorySize() > 0 {
			n, err := p.Purge(p.cfg.InnodbPurgeThreads, true)
			if err != nil {
				logger.Errorf("purge: drain on shutdown: %v", err)
				break
			}
			if n == 0 {
				break
			}
		}
	}

	p.latch.Lock()
	for _, f := range p.pages {
		f.Unfix()
	}
	p.pages = make(map[buffer_pool.PageID]*buffer_pool.Frame)
	p.viewActive = false
	p.latch.Unlock()
}

// Stopping 是否正在关闭
func (p *PurgeSys) Stopping() bool {
	return atomic.LoadInt32(&p.stopping) == 1
}

// Pause 暂停purge协调线程
func (p *PurgeSys) Pause() {
	atomic.AddInt32(&p.paused, 1)
}

// Resume 恢复purge协调线程
func (p *PurgeSys) Resume() {
	if atomic.AddInt32(&p.paused, -1) < 0 {
		panic("purge: resume without pause")
	}
}

// Paused purge是否被暂停
func (p *PurgeSys) Paused() bool {
	return atomic.LoadInt32(&p.paused) > 0
}

// RegisterSpace 登记一个undo表空间
func (p *PurgeSys) RegisterSpace(s *buffer_pool.Space) {
	p.spaces = append(p.spaces, s)
}

// CloneOldestView 把最老的读视图克隆为purge视图
func (p *PurgeSys) CloneOldestView() {
	p.latch.Lock()
	p.ts.CloneOldestView(&p.view)
	p.viewActive = true
	p.latch.Unlock()
}

// ViewSees 给定提交序号的事务对purge视图是否已经全部可见
func (p *PurgeSys) ViewSees(trxNo uint64) bool {
	p.latch.RLock()
	ok := trxNo < p.view.LowLimitNo()
	p.latch.RUnlock()
	return ok
}

// IsPurgeable 给定事务创建的版本是否已对purge视图可见、可以回收
//
// 创建purge视图时仍活跃的事务不可回收。
func (p *PurgeSys) IsPurgeable(trxID uint64) bool {
	p.latch.RLock()
	ok := p.viewActive && p.view.IsVisible(trxID)
	p.latch.RUnlock()
	return ok
}

// EndViewSees 读者用来判断某个版本是否可能已被回收
func (p *PurgeSys) EndViewSees(trxNo uint64) bool {
	p.endLatch.RLock()
	ok := trxNo < p.endView.LowLimitNo()
	p.endLatch.RUnlock()
	return ok
}

// Head 已完成批次的进度
func (p *PurgeSys) Head() Iterator {
	p.latch.RLock()
	h := p.head
	p.latch.RUnlock()
	return h
}

// Tail 下一条待取记录的位置
func (p *PurgeSys) Tail() Iterator {
	p.latch.RLock()
	t := p.tail
	p.latch.RUnlock()
	return t
}

// DMLDelayMicros DML线程应当自我延迟的微秒数
func (p *PurgeSys) DMLDelayMicros() int64 {
	return atomic.LoadInt64(&p.dmlDelayMicros)
}

// getPage 取页面并钉住到批次结束。调用方持有latch
func (p *PurgeSys) getPage(space *buffer_pool.Space, pageNo uint32) (*buffer_pool.Frame, error) {
	id := buffer_pool.PageID{SpaceID: space.ID, PageNo: pageNo}
	if f, ok := p.pages[id]; ok {
		return f, nil
	}
	f, err := p.bp.GetPage(space, pageNo)
	if err != nil {
		return nil, err
	}
	f.Fix()
	p.pages[id] = f
	return f, nil
}

// RecoverRseg 启动时从页面恢复回滚段的purge进度并入队
func (p *PurgeSys) RecoverRseg(m *mtr.Mtr, rseg *Rseg) error {
	f, err := m.GetPageS(rseg.Space, rseg.PageNo)
	if err != nil {
		return err
	}
	last := FlstGetLast(f, common.TRX_RSEG_HISTORY)
	if last.IsNull() {
		return nil
	}
	lf, err := m.GetPageS(rseg.Space, last.Page)
	if err != nil {
		return err
	}
	hdr := last.Boffset - common.TRX_UNDO_HISTORY_NODE
	trxNo := util.ReadUB8At(lf.Data(), hdr+common.TRX_UNDO_TRX_NO)
	needsPurge := util.ReadUB2At(lf.Data(), hdr+common.TRX_UNDO_NEEDS_PURGE) != 0
	rseg.Lock()
	rseg.SetLast(last.Page, hdr, trxNo, needsPurge)
	rseg.Unlock()
	p.PushRseg(trxNo, rseg)
	return nil
}

// ChooseNextLog 选下一个undo日志并定位它的第一条记录
func (p *PurgeSys) ChooseNextLog() error {
	if !p.iter.SetNext() {
		return nil
	}
	return p.readUndoRec()
}

// readUndoRec 读取当前日志的第一条记录位置
func (p *PurgeSys) readUndoRec() error {
	rseg := p.rseg
	rseg.Lock()
	hdrPageNo := rseg.LastPageNo()
	hdrOffset := rseg.LastOffset()
	needsPurge := rseg.NeedsPurge()
	rseg.Unlock()

	var offset, pageNo uint32
	var undoNo uint64
	pageNo = hdrPageNo

	if needsPurge {
		f, err := p.getPage(rseg.Space, hdrPageNo)
		if err != nil {
			return err
		}
		off := firstRecOffset(f.Data(), hdrPageNo, hdrPageNo, hdrOffset)
		if off == 0 {
			// 头页上没有记录，沿段的页面链表找
			nextPage := FlstGetNext(f, common.TRX_UNDO_PAGE_NODE)
			for !nextPage.IsNull() {
				nf, err := p.getPage(rseg.Space, nextPage.Page)
				if err != nil {
					return err
				}
				off = firstRecOffset(nf.Data(), nextPage.Page, hdrPageNo, hdrOffset)
				if off != 0 {
					pageNo = nextPage.Page
					break
				}
				nextPage = FlstGetNext(nf, common.TRX_UNDO_PAGE_NODE)
			}
		}
		if off != 0 {
			offset = off
			rf, err := p.getPage(rseg.Space, pageNo)
			if err != nil {
				return err
			}
			undoNo = UndoRecUndoNo(rf.Data(), off)
		}
	}

	p.hdrPageNo = hdrPageNo
	p.hdrOffset = hdrOffset
	p.pageNo = pageNo
	p.offset = offset
	p.tail.UndoNo = undoNo
	p.nextStored = true
	return nil
}

// GetNextRec 取当前记录并把游标推进一格
//
// 返回记录副本和回滚指针。空日志返回(nil, 1)表示跳过计数。
func (p *PurgeSys) GetNextRec() ([]byte, uint64, error) {
	rseg := p.rseg

	if p.offset == 0 {
		// 空日志，推进到history上更新的一个
		if err := p.rsegGetNextHistoryLog(); err != nil {
			return nil, 0, err
		}
		if err := p.ChooseNextLog(); err != nil {
			return nil, 0, err
		}
		return nil, 1, nil
	}

	f, err := p.getPage(rseg.Space, p.pageNo)
	if err != nil {
		return nil, 0, err
	}
	recOff := p.offset
	rec := UndoRecCopy(f.Data(), recOff)
	rollPtr := MakeRollPtr(rseg.ID, p.pageNo, uint16(recOff))

	// 推进到下一条记录
	end := recEndOffset(f.Data(), p.pageNo, p.hdrPageNo, p.hdrOffset)
	next := uint32(UndoRecNext(f.Data(), recOff))
	if next != 0 && next < end {
		p.offset = next
		p.tail.UndoNo = UndoRecUndoNo(f.Data(), next)
		return rec, rollPtr, nil
	}

	// 本页读完，找段内下一页
	nextPage := FlstGetNext(f, common.TRX_UNDO_PAGE_NODE)
	for !nextPage.IsNull() {
		nf, err := p.getPage(rseg.Space, nextPage.Page)
		if err != nil {
			return nil, 0, err
		}
		off := firstRecOffset(nf.Data(), nextPage.Page, p.hdrPageNo, p.hdrOffset)
		if off != 0 {
			p.pageNo = nextPage.Page
			p.offset = off
			p.tail.UndoNo = UndoRecUndoNo(nf.Data(), off)
			return rec, rollPtr, nil
		}
		nextPage = FlstGetNext(nf, common.TRX_UNDO_PAGE_NODE)
	}

	// 本日志读完，推进到history上更新的一个
	if err := p.rsegGetNextHistoryLog(); err != nil {
		return nil, 0, err
	}
	if err := p.ChooseNextLog(); err != nil {
		return nil, 0, err
	}
	return rec, rollPtr, nil
}

// rsegGetNextHistoryLog 把当前回滚段推进到history上更新的日志并重新入队
func (p *PurgeSys) rsegGetNextHistoryLog() error {
	rseg := p.rseg

	rseg.Lock()
	p.tail.TrxNo = rseg.LastTrxNo() + 1
	p.tail.UndoNo = 0
	p.nextStored = false
	lastPageNo := rseg.LastPageNo()
	lastOffset := rseg.LastOffset()
	rseg.Unlock()

	f, err := p.getPage(rseg.Space, lastPageNo)
	if err != nil {
		return err
	}
	prev := FlstGetPrev(f, lastOffset+common.TRX_UNDO_HISTORY_NODE)
	if prev.IsNull() {
		rseg.Lock()
		rseg.SetLast(common.FIL_NULL, 0, 0, false)
		rseg.Unlock()
		return nil
	}

	pf, err := p.getPage(rseg.Space, prev.Page)
	if err != nil {
		return err
	}
	hdr := prev.Boffset - common.TRX_UNDO_HISTORY_NODE
	trxNo := util.ReadUB8At(pf.Data(), hdr+common.TRX_UNDO_TRX_NO)
	needsPurge := util.ReadUB2At(pf.Data(), hdr+common.TRX_UNDO_NEEDS_PURGE) != 0
	if trxNo == 0 {
		logger.Warnf("purge: rseg %d history log at %d:%d has zero trx_no",
			rseg.ID, prev.Page, hdr)
	}

	rseg.Lock()
	rseg.SetLast(prev.Page, hdr, trxNo, needsPurge)
	rseg.Unlock()
	p.PushRseg(trxNo, rseg)
	return nil
}

// FetchNextRec 取下一条可以purge的undo记录
//
// 返回(nil, 0)表示视图内已无可取记录，返回(nil, 1)表示遇到空日志、
// 计数但无事可做。
func (p *PurgeSys) FetchNextRec() ([]byte, uint64, error) {
	if !p.nextStored {
		if err := p.ChooseNextLog(); err != nil {
			return nil, 0, err
		}
		if !p.nextStored {
			return nil, 0, nil
		}
	}
	if p.tail.TrxNo >= p.view.LowLimitNo() {
		return nil, 0, nil
	}
	return p.GetNextRec()
}

// registerFTSDrop 登记提交后仍在后台清理FTS辅助表的表
func (p *PurgeSys) registerFTSDrop(tableIDs []uint64) {
	p.ftsMu.Lock()
	for _, id := range tableIDs {
		p.ftsDropping[id]++
	}
	p.ftsMu.Unlock()
}

// CompleteFTSDrop 后台清理完成
func (p *PurgeSys) CompleteFTSDrop(tableID uint64) {
	p.ftsMu.Lock()
	if n := p.ftsDropping[tableID]; n <= 1 {
		delete(p.ftsDropping, tableID)
	} else {
		p.ftsDropping[tableID] = n - 1
	}
	p.ftsMu.Unlock()
}

func (p *PurgeSys) ftsDropPending() bool {
	p.ftsMu.Lock()
	n := len(p.ftsDropping)
	p.ftsMu.Unlock()
	return n > 0
}

// WaitFTS 等待后台FTS辅助表清理全部完成
func (p *PurgeSys) WaitFTS() {
	for p.ftsDropPending() {
		if p.Stopping() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// BatchCleanup 一个批次结束后的收尾
//
// 释放本批次钉住的页面，发布head进度，并把end_view同步推进，
// 使读者看到的回收边界不超过已完成的进度。
func (p *PurgeSys) BatchCleanup(head Iterator) {
	p.latch.Lock()
	for _, f := range p.pages {
		f.Unfix()
	}
	p.pages = make(map[buffer_pool.PageID]*buffer_pool.Frame)
	p.head = head

	p.endLatch.Lock()
	p.endView.Clone(&p.view)
	if head.TrxNo < p.endView.minTrxID {
		p.endView.minTrxID = head.TrxNo
	}
	p.endLatch.Unlock()
	p.latch.Unlock()
}
