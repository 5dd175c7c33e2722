package purge

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
)

// TRX_SYS_N_RSEGS 回滚段数量上限
const TRX_SYS_N_RSEGS = 128

// Trx 一个事务
type Trx struct {
	ID uint64
	No uint64 // 提交序号，提交时分配

	Undo *Undo
	Rseg *Rseg

	TablesToDrop []uint64 // 提交后等待FTS辅助表清理的表
}

// TrxSys 事务系统
//
// 负责分配事务ID和提交序号，登记活跃事务和打开的读视图，
// 维护history中undo日志总数的计数。
type TrxSys struct {
	maxTrxID    uint64 // 原子递增
	historySize int64  // history链表上的undo日志总数

	mu     sync.Mutex
	active map[uint64]*Trx
	views  []*ReadView

	rsegs []*Rseg

	purge *PurgeSys
}

func NewTrxSys() *TrxSys {
	return &TrxSys{
		maxTrxID: 1,
		active:   make(map[uint64]*Trx),
	}
}

// RegisterRseg 登记一个回滚段
func (ts *TrxSys) RegisterRseg(r *Rseg) {
	ts.mu.Lock()
	ts.rsegs = append(ts.rsegs, r)
	ts.mu.Unlock()
}

// Rsegs 回滚段数组的快照
func (ts *TrxSys) Rsegs() []*Rseg {
	ts.mu.Lock()
	out := make([]*Rseg, len(ts.rsegs))
	copy(out, ts.rsegs)
	ts.mu.Unlock()
	return out
}

// RsegByID 按段号查回滚段
func (ts *TrxSys) RsegByID(id uint32) *Rseg {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, r := range ts.rsegs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// NextTrxID 分配一个新的事务ID或提交序号
func (ts *TrxSys) NextTrxID() uint64 {
	return atomic.AddUint64(&ts.maxTrxID, 1) - 1
}

// MaxTrxID 下一个将被分配的ID
func (ts *TrxSys) MaxTrxID() uint64 {
	return atomic.LoadUint64(&ts.maxTrxID)
}

// HistorySize history链表上的undo日志总数
func (ts *TrxSys) HistorySize() int64 {
	return atomic.LoadInt64(&ts.historySize)
}

func (ts *TrxSys) incrHistorySize()        { atomic.AddInt64(&ts.historySize, 1) }
func (ts *TrxSys) decrHistorySize(n int64) { atomic.AddInt64(&ts.historySize, -n) }

// StartTrx 启动一个读写事务
func (ts *TrxSys) StartTrx() *Trx {
	t := &Trx{ID: ts.NextTrxID()}
	ts.mu.Lock()
	ts.active[t.ID] = t
	ts.mu.Unlock()
	return t
}

// OpenView 为事务打开一个读视图
func (ts *TrxSys) OpenView(creatorTrxID uint64) *ReadView {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ids := make([]uint64, 0, len(ts.active))
	for id := range ts.active {
		if id != creatorTrxID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	maxID := atomic.LoadUint64(&ts.maxTrxID)
	minID := maxID
	if len(ids) > 0 {
		minID = ids[0]
	}
	rv := NewReadView(ids, minID, maxID, creatorTrxID)
	ts.views = append(ts.views, rv)
	return rv
}

// CloseView 关闭读视图
func (ts *TrxSys) CloseView(rv *ReadView) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, v := range ts.views {
		if v == rv {
			ts.views = append(ts.views[:i], ts.views[i+1:]...)
			return
		}
	}
}

// CloneOldestView 把最老的打开视图克隆给dst
//
// 没有打开的视图时生成一个当前时刻的新视图。purge视图由此得来。
func (ts *TrxSys) CloneOldestView(dst *ReadView) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var oldest *ReadView
	for _, v := range ts.views {
		if oldest == nil || v.maxTrxID < oldest.maxTrxID ||
			(v.maxTrxID == oldest.maxTrxID && v.minTrxID < oldest.minTrxID) {
			oldest = v
		}
	}
	if oldest != nil {
		dst.Clone(oldest)
		return
	}

	ids := make([]uint64, 0, len(ts.active))
	for id := range ts.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	maxID := atomic.LoadUint64(&ts.maxTrxID)
	minID := maxID
	if len(ids) > 0 {
		minID = ids[0]
	}
	dst.Clone(&ReadView{activeIDs: ids, minTrxID: minID, maxTrxID: maxID})
}

// Commit 提交事务
//
// 有undo日志的事务先分配提交序号，再把日志挂到回滚段的history链表上。
func (ts *TrxSys) Commit(t *Trx, m *mtr.Mtr) error {
	if t.Undo != nil {
		rseg := t.Undo.Rseg
		rseg.Lock()
		t.No = ts.NextTrxID()
		err := ts.addUndoToHistory(m, t, t.Undo)
		rseg.Unlock()
		if err != nil {
			return err
		}
	}
	ts.mu.Lock()
	delete(ts.active, t.ID)
	ts.mu.Unlock()
	if len(t.TablesToDrop) > 0 && ts.purge != nil {
		ts.purge.registerFTSDrop(t.TablesToDrop)
	}
	return nil
}
