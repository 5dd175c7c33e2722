package purge

import (
	"sync"
	"sync/atomic"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// Rseg 回滚段
//
// 头页上保存history链表基节点和undo段槽数组。last系列字段缓存
// history链表上最老的尚未被purge处理的日志头位置。
type Rseg struct {
	ID     uint32
	Space  *buffer_pool.Space
	PageNo uint32

	mu sync.Mutex

	// history链表上最老的未处理日志
	lastPageNo uint32
	lastOffset uint32
	lastTrxNo  uint64
	needsPurge bool

	refCount       int32 // purge正在引用本段时非零
	skipAllocation uint32

	undoCached []*Undo
}

// NewRseg 创建回滚段对象，不触碰页面
func NewRseg(id uint32, space *buffer_pool.Space, pageNo uint32) *Rseg {
	return &Rseg{
		ID:         id,
		Space:      space,
		PageNo:     pageNo,
		lastPageNo: common.FIL_NULL,
	}
}

func (r *Rseg) Lock()   { r.mu.Lock() }
func (r *Rseg) Unlock() { r.mu.Unlock() }

// Acquire purge开始引用本段
func (r *Rseg) Acquire() {
	atomic.AddInt32(&r.refCount, 1)
}

// Release purge结束引用本段
func (r *Rseg) Release() {
	if atomic.AddInt32(&r.refCount, -1) < 0 {
		panic("rseg: release without acquire")
	}
}

// IsReferenced purge是否正在引用本段
func (r *Rseg) IsReferenced() bool {
	return atomic.LoadInt32(&r.refCount) > 0
}

// SetSkipAllocation 禁止新事务使用本段
func (r *Rseg) SetSkipAllocation(skip bool) {
	if skip {
		atomic.StoreUint32(&r.skipAllocation, 1)
	} else {
		atomic.StoreUint32(&r.skipAllocation, 0)
	}
}

// SkipAllocation 本段是否拒绝新事务
func (r *Rseg) SkipAllocation() bool {
	return atomic.LoadUint32(&r.skipAllocation) == 1
}

// SetLast 记录history上最老的未处理日志位置。调用方持有段锁
func (r *Rseg) SetLast(pageNo, offset uint32, trxNo uint64, needsPurge bool) {
	r.lastPageNo = pageNo
	r.lastOffset = offset
	r.lastTrxNo = trxNo
	r.needsPurge = needsPurge
}

// LastPageNo history上最老的未处理日志所在页，FIL_NULL表示没有
func (r *Rseg) LastPageNo() uint32 {
	return r.lastPageNo
}

// LastOffset 最老的未处理日志头的页内偏移
func (r *Rseg) LastOffset() uint32 {
	return r.lastOffset
}

// LastTrxNo 最老的未处理日志的提交序号
func (r *Rseg) LastTrxNo() uint64 {
	return r.lastTrxNo
}

// NeedsPurge 最老的未处理日志是否含有需要purge的记录
func (r *Rseg) NeedsPurge() bool {
	return r.needsPurge
}

// HeaderInit 初始化回滚段头页
func (r *Rseg) HeaderInit(m *mtr.Mtr) error {
	f, err := m.GetPageX(r.Space, r.PageNo)
	if err != nil {
		return err
	}
	m.Write4(f, common.TRX_RSEG_FORMAT, 0)
	m.Write4(f, common.TRX_RSEG_HISTORY_SIZE, 0)
	FlstInit(m, f, common.TRX_RSEG_HISTORY)
	m.Write8(f, common.TRX_RSEG_MAX_TRX_ID, 0)
	m.Memset(f, common.TRX_RSEG_UNDO_SLOTS,
		common.TRX_RSEG_N_SLOTS*common.TRX_RSEG_SLOT_SIZE, 0xff)
	m.Write8(f, common.TRX_RSEG_BINLOG_OFFSET, 0)
	m.Memset(f, common.TRX_RSEG_BINLOG_NAME, common.TRX_RSEG_BINLOG_NAME_LEN, 0)
	return nil
}

// Reinit 表空间截断后把回滚段恢复为空状态
func (r *Rseg) Reinit(m *mtr.Mtr) error {
	if err := r.HeaderInit(m); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastPageNo = common.FIL_NULL
	r.lastOffset = 0
	r.lastTrxNo = 0
	r.needsPurge = false
	r.undoCached = nil
	r.mu.Unlock()
	return nil
}

// HistoryLen history链表的长度
func (r *Rseg) HistoryLen(m *mtr.Mtr) (uint32, error) {
	f, err := m.GetPageS(r.Space, r.PageNo)
	if err != nil {
		return 0, err
	}
	return FlstGetLen(f, common.TRX_RSEG_HISTORY), nil
}

// HistorySize history链表占用的页数
func (r *Rseg) HistorySize(m *mtr.Mtr) (uint32, error) {
	f, err := m.GetPageS(r.Space, r.PageNo)
	if err != nil {
		return 0, err
	}
	return util.ReadUB4At(f.Data(), common.TRX_RSEG_HISTORY_SIZE), nil
}

// findFreeSlot 找一个空闲的undo槽位。调用方持有段锁
func (r *Rseg) findFreeSlot(m *mtr.Mtr) (uint32, error) {
	f, err := m.GetPageX(r.Space, r.PageNo)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < common.TRX_RSEG_N_SLOTS; i++ {
		v := util.ReadUB4At(f.Data(), common.TRX_RSEG_UNDO_SLOTS+i*common.TRX_RSEG_SLOT_SIZE)
		if v == common.FIL_NULL {
			return i, nil
		}
	}
	return 0, basic.ErrNoFreeSpace
}

// reuseCached 取一个缓存的单页undo段。调用方持有段锁
func (r *Rseg) reuseCached() *Undo {
	n := len(r.undoCached)
	if n == 0 {
		return nil
	}
	u := r.undoCached[n-1]
	r.undoCached = r.undoCached[:n-1]
	return u
}

// removeCached 把undo段从缓存里摘掉。调用方持有段锁
func (r *Rseg) removeCached(hdrPageNo uint32) *Undo {
	for i, u := range r.undoCached {
		if u.HdrPageNo == hdrPageNo {
			r.undoCached = append(r.undoCached[:i], r.undoCached[i+1:]...)
			return u
		}
	}
	return nil
}
