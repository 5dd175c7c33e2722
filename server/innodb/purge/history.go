package purge

import (
	"github.com/juju/errors"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// addUndoToHistory 提交时把undo日志挂到回滚段的history链表头部
//
// 单页段且剩余空间足够时转为缓存状态供后续事务复用，否则释放槽位、
// 累加history页数并标记为待purge。调用方持有段锁。
func (ts *TrxSys) addUndoToHistory(m *mtr.Mtr, t *Trx, undo *Undo) error {
	rseg := undo.Rseg

	undoPage, err := m.GetPageX(rseg.Space, undo.HdrPageNo)
	if err != nil {
		return errors.Annotate(err, "add undo to history")
	}
	rsegHdr, err := m.GetPageX(rseg.Space, rseg.PageNo)
	if err != nil {
		return errors.Annotate(err, "add undo to history")
	}

	free := uint32(util.ReadUB2At(undoPage.Data(), common.TRX_UNDO_PAGE_FREE))
	state := common.TRX_UNDO_TO_PURGE
	if undo.Size == 1 && free < common.TRX_UNDO_PAGE_REUSE_LIMIT {
		state = common.TRX_UNDO_CACHED
		rseg.undoCached = append(rseg.undoCached, undo)
	} else {
		// 槽位不再复用
		m.Write4(rsegHdr, common.TRX_RSEG_UNDO_SLOTS+undo.SlotNo*common.TRX_RSEG_SLOT_SIZE,
			common.FIL_NULL)
		histSize := util.ReadUB4At(rsegHdr.Data(), common.TRX_RSEG_HISTORY_SIZE)
		m.Write4(rsegHdr, common.TRX_RSEG_HISTORY_SIZE, histSize+undo.Size)
		m.Write8(rsegHdr, common.TRX_RSEG_MAX_TRX_ID, ts.MaxTrxID())
	}

	if err := FlstAddFirst(m, rseg.Space, rsegHdr, common.TRX_RSEG_HISTORY,
		undoPage, undo.HdrOffset+common.TRX_UNDO_HISTORY_NODE); err != nil {
		return errors.Annotate(err, "add undo to history")
	}

	m.Write2(undoPage, common.TRX_UNDO_STATE, state)
	m.Write8(undoPage, undo.HdrOffset+common.TRX_UNDO_TRX_NO, t.No)
	var needsPurge uint16
	if undo.NeedsPurge {
		needsPurge = 1
	}
	m.Write2(undoPage, undo.HdrOffset+common.TRX_UNDO_NEEDS_PURGE, needsPurge)
	undo.State = state

	ts.incrHistorySize()

	if rseg.LastPageNo() == common.FIL_NULL {
		rseg.SetLast(undo.HdrPageNo, undo.HdrOffset, t.No, undo.NeedsPurge)
		if ts.purge != nil {
			ts.purge.PushRseg(t.No, rseg)
		}
	}
	return nil
}

// FreeHistory 截断所有回滚段的history链表
//
// 以已完成的purge进度为界，回收界限之前的undo日志。被引用的段
// 和purge视图尚未覆盖的段只做起始截断，不整段释放。
func (p *PurgeSys) FreeHistory() error {
	limit := p.Head()
	if limit.TrxNo == 0 {
		limit = p.Tail()
	}

	for _, rseg := range p.ts.Rsegs() {
		rseg.Lock()
		lastTrxNo := rseg.LastTrxNo()
		rseg.Unlock()
		all := !rseg.IsReferenced() && p.ViewSees(lastTrxNo)
		if err := p.truncateRsegHistory(rseg, limit, all); err != nil {
			return err
		}
	}
	return nil
}

// truncateRsegHistory 截断单个回滚段的history链表
//
// 从链表尾部（最老的日志）向前走，逐个释放提交序号早于界限的日志。
// 每释放一个日志就提交一次迷你事务再重新上锁，避免长时间持有页锁。
func (p *PurgeSys) truncateRsegHistory(rseg *Rseg, limit Iterator, all bool) error {
	m := mtr.New(p.bp)
	m.Start()
	rseg.Lock()

	rsegHdr, err := m.GetPageX(rseg.Space, rseg.PageNo)
	if err != nil {
		rseg.Unlock()
		m.Commit()
		return err
	}
	hdrAddr := FlstGetLast(rsegHdr, common.TRX_RSEG_HISTORY)

	for {
		if hdrAddr.IsNull() {
			break
		}
		hdr := hdrAddr.Boffset - common.TRX_UNDO_HISTORY_NODE

		logPage, err := m.GetPageX(rseg.Space, hdrAddr.Page)
		if err != nil {
			rseg.Unlock()
			m.Commit()
			return err
		}
		undoTrxNo := util.ReadUB8At(logPage.Data(), hdr+common.TRX_UNDO_TRX_NO)

		if undoTrxNo >= limit.TrxNo {
			if undoTrxNo == limit.TrxNo {
				if err := truncateUndoStart(m, rseg, hdrAddr.Page, hdr, limit.UndoNo); err != nil {
					rseg.Unlock()
					m.Commit()
					return err
				}
			}
			break
		}
		if !all {
			break
		}

		prevAddr := FlstGetPrev(logPage, hdr+common.TRX_UNDO_HISTORY_NODE)

		state := util.ReadUB2At(logPage.Data(), common.TRX_UNDO_STATE)
		nextLog := util.ReadUB2At(logPage.Data(), hdr+common.TRX_UNDO_NEXT_LOG)

		if nextLog != 0 {
			// 段的头页上还有更新的日志，只摘掉history节点
			if err := FlstRemove(m, rseg.Space, rsegHdr, common.TRX_RSEG_HISTORY,
				logPage, hdr+common.TRX_UNDO_HISTORY_NODE); err != nil {
				rseg.Unlock()
				m.Commit()
				return err
			}
		} else {
			if state == common.TRX_UNDO_CACHED {
				// 缓存的段不再复用，释放槽位
				if u := rseg.removeCached(hdrAddr.Page); u != nil {
					m.Write4(rsegHdr,
						common.TRX_RSEG_UNDO_SLOTS+u.SlotNo*common.TRX_RSEG_SLOT_SIZE,
						common.FIL_NULL)
				}
			}
			if err := p.freeSegment(m, rseg, hdrAddr.Page, hdr,
				state == common.TRX_UNDO_TO_PURGE); err != nil {
				rseg.Unlock()
				m.Commit()
				return err
			}
		}
		p.ts.decrHistorySize(1)

		// 提交并重新上锁，继续处理更新的日志
		rseg.Unlock()
		m.Commit()
		m = mtr.New(p.bp)
		m.Start()
		rseg.Lock()
		rsegHdr, err = m.GetPageX(rseg.Space, rseg.PageNo)
		if err != nil {
			rseg.Unlock()
			m.Commit()
			return err
		}
		hdrAddr = prevAddr
	}

	rseg.Unlock()
	m.Commit()
	return nil
}

// freeSegment 释放一个undo段
//
// 先把日志头从history链表上摘掉，再从段的页面链表尾部逐页释放，
// 每页一个迷你事务，重新获取锚点页。头页最后释放。
// accounted为真时段的页数计入过history size，释放时对应扣减。
func (p *PurgeSys) freeSegment(m *mtr.Mtr, rseg *Rseg, segPageNo uint32, hdr uint32,
	accounted bool) error {

	segPage, err := m.GetPageX(rseg.Space, segPageNo)
	if err != nil {
		return err
	}
	rh, err := m.GetPageX(rseg.Space, rseg.PageNo)
	if err != nil {
		return err
	}
	if err := FlstRemove(m, rseg.Space, rh, common.TRX_RSEG_HISTORY,
		segPage, hdr+common.TRX_UNDO_HISTORY_NODE); err != nil {
		return err
	}

	segSize := FlstGetLen(segPage, common.TRX_UNDO_PAGE_LIST)
	for {
		last := FlstGetLast(segPage, common.TRX_UNDO_PAGE_LIST)
		if last.IsNull() {
			break
		}
		lastPage, err := m.GetPageX(rseg.Space, last.Page)
		if err != nil {
			return err
		}
		if err := FlstRemove(m, rseg.Space, segPage, common.TRX_UNDO_PAGE_LIST,
			lastPage, common.TRX_UNDO_PAGE_NODE); err != nil {
			return err
		}
	}

	if accounted {
		histSize := util.ReadUB4At(rh.Data(), common.TRX_RSEG_HISTORY_SIZE)
		if histSize >= segSize {
			m.Write4(rh, common.TRX_RSEG_HISTORY_SIZE, histSize-segSize)
		} else {
			logger.Warnf("purge: rseg %d history size %d below segment size %d",
				rseg.ID, histSize, segSize)
			m.Write4(rh, common.TRX_RSEG_HISTORY_SIZE, 0)
		}
	}
	return nil
}

// truncateUndoStart 截掉日志起始处记录号早于界限的记录
//
// 整页变空的后续页从段的页面链表上摘除，头页通过推进日志头的
// LOG_START字段跳过已回收的记录。
func truncateUndoStart(m *mtr.Mtr, rseg *Rseg,
	hdrPageNo uint32, hdrOffset uint32, limitUndoNo uint64) error {

	if limitUndoNo == 0 {
		return nil
	}

	for {
		f, err := m.GetPageX(rseg.Space, hdrPageNo)
		if err != nil {
			return err
		}
		pageNo := hdrPageNo
		page := f.Data()

		// 找日志当前第一条记录所在的页
		off := firstRecOffset(page, pageNo, hdrPageNo, hdrOffset)
		if off == 0 {
			next := FlstGetNext(f, common.TRX_UNDO_PAGE_NODE)
			for !next.IsNull() {
				nf, err := m.GetPageX(rseg.Space, next.Page)
				if err != nil {
					return err
				}
				off = firstRecOffset(nf.Data(), next.Page, hdrPageNo, hdrOffset)
				if off != 0 {
					f = nf
					pageNo = next.Page
					page = nf.Data()
					break
				}
				next = FlstGetNext(nf, common.TRX_UNDO_PAGE_NODE)
			}
		}
		if off == 0 {
			return nil
		}
		if UndoRecUndoNo(page, off) >= limitUndoNo {
			return nil
		}

		// 本页上最后一条记录也早于界限时整页回收
		end := recEndOffset(page, pageNo, hdrPageNo, hdrOffset)
		lastOff := off
		for {
			n := uint32(UndoRecNext(page, lastOff))
			if n == 0 || n >= end {
				break
			}
			lastOff = n
		}

		if UndoRecUndoNo(page, lastOff) < limitUndoNo && pageNo != hdrPageNo {
			segPage, err := m.GetPageX(rseg.Space, hdrPageNo)
			if err != nil {
				return err
			}
			if err := FlstRemove(m, rseg.Space, segPage, common.TRX_UNDO_PAGE_LIST,
				f, common.TRX_UNDO_PAGE_NODE); err != nil {
				return err
			}
			continue
		}

		// 在本页内推进起点到第一条保留的记录
		cut := off
		for cut != 0 && UndoRecUndoNo(page, cut) < limitUndoNo {
			n := uint32(UndoRecNext(page, cut))
			if n == 0 || n >= end {
				cut = end
				break
			}
			cut = n
		}
		if pageNo == hdrPageNo {
			m.Write2(f, hdrOffset+common.TRX_UNDO_LOG_START, uint16(cut))
		} else {
			m.Write2(f, common.TRX_UNDO_PAGE_START, uint16(cut))
		}
		return nil
	}
}
