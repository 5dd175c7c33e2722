package purge

import (
	"container/heap"
	"time"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
)

// 等待回滚段引用归零的轮询参数，测试中会调小
var (
	truncateWaitIter  = 6000
	truncateWaitDelay = 10 * time.Millisecond
)

// rsegsOf 属于给定表空间的回滚段
func (p *PurgeSys) rsegsOf(space *buffer_pool.Space) []*Rseg {
	var out []*Rseg
	for _, r := range p.ts.Rsegs() {
		if r.Space == space {
			out = append(out, r)
		}
	}
	return out
}

// chooseTruncateCandidate 轮转选出超过阈值的undo表空间
func (p *PurgeSys) chooseTruncateCandidate() *buffer_pool.Space {
	n := len(p.spaces)
	if n == 0 {
		return nil
	}
	threshold := uint32(p.cfg.InnodbMaxUndoLogSize / common.PAGE_SIZE)
	if threshold < common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES {
		threshold = common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES
	}

	start := 0
	if p.truncate.last != nil {
		for i, s := range p.spaces {
			if s == p.truncate.last {
				start = i + 1
				break
			}
		}
	}
	for i := 0; i < n; i++ {
		s := p.spaces[(start+i)%n]
		if s.Size() > threshold {
			return s
		}
	}
	return nil
}

// cleansePurgeQueue 把属于待截断表空间的回滚段从purge队列里滤掉
func (p *PurgeSys) cleansePurgeQueue(space *buffer_pool.Space) {
	p.pqMutex.Lock()
	var kept []*TrxUndoRsegs
	for p.pq.Len() > 0 {
		set := heap.Pop(&p.pq).(*TrxUndoRsegs)
		var rsegs []*Rseg
		for _, r := range set.Rsegs {
			if r.Space != space {
				rsegs = append(rsegs, r)
			}
		}
		if len(rsegs) > 0 {
			set.Rsegs = rsegs
			kept = append(kept, set)
		}
	}
	for _, set := range kept {
		heap.Push(&p.pq, set)
	}
	p.pqMutex.Unlock()
}

// evictSpaceDirtyPages 把表空间的脏页从flush list上摘掉
//
// 从链表尾部（最旧的页）向前扫。摘页前把hazard pointer指向前驱，
// 解锁期间若并发flush把hazard pointer移走则从尾部重扫。
func (p *PurgeSys) evictSpaceDirtyPages(space *buffer_pool.Space) {
	bp := p.bp
	bp.FlushListLock()
rescan:
	for f := bp.FlushListLast(); f != nil; {
		prev := bp.FlushListPrev(f)
		if f.ID().SpaceID == space.ID {
			bp.SetFlushHP(prev)
			bp.RemoveDirty(f)
			bp.FlushListUnlock()
			// 给并发flush让路
			bp.FlushListLock()
			hp := bp.FlushHP()
			bp.SetFlushHP(nil)
			if hp != prev {
				goto rescan
			}
		}
		f = prev
	}
	bp.FlushListUnlock()
}

// waitSpaceUnused 等待表空间本身及其所有回滚段的引用归零
func (p *PurgeSys) waitSpaceUnused(space *buffer_pool.Space, rsegs []*Rseg) bool {
	for i := 0; i < truncateWaitIter; i++ {
		busy := space.Referenced()
		for _, r := range rsegs {
			if busy {
				break
			}
			if r.IsReferenced() {
				busy = true
			}
		}
		if !busy {
			return true
		}
		if p.Stopping() {
			return false
		}
		time.Sleep(truncateWaitDelay)
	}
	return false
}

// TruncateUndoTablespace 尝试截断一个膨胀的undo表空间
//
// 选出超过innodb_max_undo_log_size的表空间，禁止新事务使用它的
// 回滚段，等history排空、引用归零后把表空间收缩回初始大小并重建
// 回滚段头。返回是否完成了一次截断。
func (p *PurgeSys) TruncateUndoTablespace() (bool, error) {
	if !p.cfg.InnodbUndoLogTruncate {
		return false, nil
	}
	// 截断期间表空间不可用，至少要有两个undo表空间才能轮换
	if len(p.spaces) < 2 {
		return false, nil
	}
	space := p.chooseTruncateCandidate()
	if space == nil {
		return false, nil
	}
	p.truncate.current = space
	rsegs := p.rsegsOf(space)

	for _, r := range rsegs {
		r.SetSkipAllocation(true)
	}

	// history未排空时放弃本轮，skip_allocation保持，下轮继续
	for _, r := range rsegs {
		r.Lock()
		drained := r.LastPageNo() == common.FIL_NULL
		r.Unlock()
		if !drained {
			p.truncate.current = nil
			return false, nil
		}
	}

	if !p.waitSpaceUnused(space, rsegs) {
		p.truncate.current = nil
		return false, nil
	}

	logger.Infof("purge: truncating undo tablespace %d (%d pages)", space.ID, space.Size())

	space.SetBeingTruncated()
	space.SetStopping()

	p.cleansePurgeQueue(space)
	p.evictSpaceDirtyPages(space)

	m := mtr.New(p.bp)
	m.Start()
	m.SetNamedSpace(space)
	m.TrimPages(space, common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES)
	if err := FspHeaderInit(m, space, common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES); err != nil {
		m.Commit()
		return false, err
	}
	for _, r := range rsegs {
		pageNo, err := fspAllocPage(m, space)
		if err != nil {
			m.Commit()
			return false, err
		}
		r.PageNo = pageNo
		if err := r.Reinit(m); err != nil {
			m.Commit()
			return false, err
		}
	}
	space.BumpUndoTruncations()
	// CommitShrink会清掉stopping和truncated标记
	m.CommitShrink(space)

	for _, r := range rsegs {
		r.SetSkipAllocation(false)
	}

	// 游标若停在被截断的段上则作废
	p.latch.Lock()
	if p.rseg != nil && p.rseg.Space == space {
		p.rseg = nil
		p.nextStored = false
	}
	p.latch.Unlock()

	p.truncate.last = space
	p.truncate.current = nil
	logger.Infof("purge: truncated undo tablespace %d, truncation count %d",
		space.ID, space.UndoTruncations())
	return true, nil
}
