package purge

import (
	"container/heap"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
)

// TrxUndoRsegs 同一提交序号下待purge的回滚段集合
type TrxUndoRsegs struct {
	TrxNo uint64
	Rsegs []*Rseg
}

// purgeQueue 按提交序号排序的最小堆
type purgeQueue []*TrxUndoRsegs

func (q purgeQueue) Len() int            { return len(q) }
func (q purgeQueue) Less(i, j int) bool  { return q[i].TrxNo < q[j].TrxNo }
func (q purgeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *purgeQueue) Push(x interface{}) { *q = append(*q, x.(*TrxUndoRsegs)) }
func (q *purgeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

// TrxUndoRsegsIterator 依提交序号升序遍历purge队列
type TrxUndoRsegsIterator struct {
	sys   *PurgeSys
	rsegs *TrxUndoRsegs
	pos   int
}

// SetNext 推进到下一个待处理的回滚段
//
// 当前集合用完时从队列弹出序号最小的一个集合。没有待处理的段时
// 返回false并清空purge_sys的当前段。
func (it *TrxUndoRsegsIterator) SetNext() bool {
	p := it.sys

	p.pqMutex.Lock()
	if it.rsegs != nil && it.pos < len(it.rsegs.Rsegs) {
		// 当前集合还有剩余
	} else if p.pq.Len() == 0 {
		it.rsegs = nil
		it.pos = 0
		p.rseg = nil
		p.pqMutex.Unlock()
		return false
	} else {
		it.rsegs = heap.Pop(&p.pq).(*TrxUndoRsegs)
		it.pos = 0
		// 相同序号的集合合并处理
		for p.pq.Len() > 0 && p.pq[0].TrxNo == it.rsegs.TrxNo {
			more := heap.Pop(&p.pq).(*TrxUndoRsegs)
			it.rsegs.Rsegs = append(it.rsegs.Rsegs, more.Rsegs...)
		}
	}
	rseg := it.rsegs.Rsegs[it.pos]
	it.pos++
	p.pqMutex.Unlock()

	rseg.Lock()
	if rseg.LastPageNo() == common.FIL_NULL {
		rseg.Unlock()
		panic("purge: queued rseg has empty history")
	}
	if rseg.LastTrxNo() != it.rsegs.TrxNo {
		rseg.Unlock()
		panic("purge: queued rseg trx_no mismatch")
	}

	p.rseg = rseg
	p.nextStored = false
	p.hdrPageNo = rseg.LastPageNo()
	p.hdrOffset = rseg.LastOffset()

	if p.tail.TrxNo > rseg.LastTrxNo() {
		rseg.Unlock()
		panic("purge: iterator moved backwards")
	}
	p.tail.TrxNo = rseg.LastTrxNo()
	rseg.Unlock()
	return true
}

// pushRsegLocked 把回滚段按其最老未处理日志的序号入队。调用方持有pqMutex
func (p *PurgeSys) pushRsegLocked(trxNo uint64, rseg *Rseg) {
	heap.Push(&p.pq, &TrxUndoRsegs{TrxNo: trxNo, Rsegs: []*Rseg{rseg}})
}

// PushRseg 把回滚段入队
func (p *PurgeSys) PushRseg(trxNo uint64, rseg *Rseg) {
	p.pqMutex.Lock()
	p.pushRsegLocked(trxNo, rseg)
	p.pqMutex.Unlock()
}
