package purge

import (
	"github.com/juju/errors"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// undo记录头布局，偏移相对于记录起点
//
// next为同页内下一条记录的偏移，0表示没有下一条。
const (
	UNDO_REC_NEXT     = 0  // u16
	UNDO_REC_UNDO_NO  = 2  // u64
	UNDO_REC_TABLE_ID = 10 // u64
	UNDO_REC_TYPE     = 18 // u8

	UNDO_REC_HDR_SIZE = 19
)

// undo记录类型
const (
	UNDO_INSERT_REC     byte = 11
	UNDO_UPD_EXIST_REC  byte = 12
	UNDO_UPD_DEL_REC    byte = 13
	UNDO_DEL_MARK_REC   byte = 14
)

// Undo 内存中的一个undo日志对象
type Undo struct {
	Rseg *Rseg

	SlotNo    uint32
	HdrPageNo uint32 // 日志头所在页，同时是段首页
	HdrOffset uint32 // 日志头页内偏移
	LastPageNo uint32 // 段内最后一页，记录追加在这里

	TrxID uint64
	State uint16
	Size  uint32 // 段内页数

	// NeedsPurge 日志中含有删除标记等需要purge清理的记录
	NeedsPurge bool

	topUndoNo uint64 // 下一条记录的undo_no
}

// MakeRollPtr 组装回滚指针
func MakeRollPtr(rsegID uint32, pageNo uint32, offset uint16) uint64 {
	return uint64(rsegID)<<48 | uint64(pageNo)<<16 | uint64(offset)
}

// RollPtrRseg 回滚指针中的回滚段号
func RollPtrRseg(rollPtr uint64) uint32 {
	return uint32(rollPtr >> 48 & 0xffff)
}

// RollPtrPage 回滚指针中的页号
func RollPtrPage(rollPtr uint64) uint32 {
	return uint32(rollPtr >> 16 & 0xffffffff)
}

// RollPtrOffset 回滚指针中的页内偏移
func RollPtrOffset(rollPtr uint64) uint16 {
	return uint16(rollPtr & 0xffff)
}

// UndoRecNext 记录的页内后继偏移，0表示无
func UndoRecNext(page []byte, off uint32) uint16 {
	return util.ReadUB2At(page, off+UNDO_REC_NEXT)
}

// UndoRecUndoNo 记录的undo_no
func UndoRecUndoNo(page []byte, off uint32) uint64 {
	return util.ReadUB8At(page, off+UNDO_REC_UNDO_NO)
}

// UndoRecTableID 记录所属的table_id
func UndoRecTableID(page []byte, off uint32) uint64 {
	return util.ReadUB8At(page, off+UNDO_REC_TABLE_ID)
}

// UndoRecType 记录类型
func UndoRecType(page []byte, off uint32) byte {
	return page[off+UNDO_REC_TYPE]
}

// UndoRecCopy 把一条记录连同记录头拷贝出来
func UndoRecCopy(page []byte, off uint32) []byte {
	end := uint32(UndoRecNext(page, off))
	if end == 0 || end <= off {
		end = uint32(util.ReadUB2At(page, common.TRX_UNDO_PAGE_FREE))
	}
	rec := make([]byte, end-off)
	copy(rec, page[off:end])
	return rec
}

// undoPageInit 初始化一个undo页面的页面头
func undoPageInit(m *mtr.Mtr, f *buffer_pool.Frame) {
	m.Write2(f, common.FIL_PAGE_TYPE, common.FILE_PAGE_UNDO_LOG)
	m.Write2(f, common.TRX_UNDO_PAGE_TYPE, 2)
	start := uint16(common.TRX_UNDO_PAGE_HDR + common.TRX_UNDO_PAGE_HDR_SIZE)
	m.Write2(f, common.TRX_UNDO_PAGE_START, start)
	m.Write2(f, common.TRX_UNDO_PAGE_FREE, start)
}

// CreateUndoLog 在回滚段内创建一个新的undo日志
//
// 优先复用缓存的单页段，否则分配新页并建段。日志头写入trx_id，
// 状态置为活跃，并占用一个回滚段槽位。
func CreateUndoLog(m *mtr.Mtr, rseg *Rseg, trxID uint64) (*Undo, error) {
	undo := rseg.reuseCached()
	if undo == nil {
		slot, err := rseg.findFreeSlot(m)
		if err != nil {
			return nil, err
		}
		pageNo, err := fspAllocPage(m, rseg.Space)
		if err != nil {
			return nil, errors.Annotate(err, "create undo log")
		}
		f, err := m.GetPageX(rseg.Space, pageNo)
		if err != nil {
			return nil, err
		}
		undoPageInit(m, f)
		// 段首页的空闲区从段头之后开始
		segEnd := uint16(common.TRX_UNDO_SEG_HDR + common.TRX_UNDO_SEG_HDR_SIZE)
		m.Write2(f, common.TRX_UNDO_PAGE_START, segEnd)
		m.Write2(f, common.TRX_UNDO_PAGE_FREE, segEnd)
		m.Write2(f, common.TRX_UNDO_LAST_LOG, 0)
		FlstInit(m, f, common.TRX_UNDO_PAGE_LIST)
		if err := FlstAddLast(m, rseg.Space, f, common.TRX_UNDO_PAGE_LIST,
			f, common.TRX_UNDO_PAGE_NODE); err != nil {
			return nil, err
		}
		rsegHdr, err := m.GetPageX(rseg.Space, rseg.PageNo)
		if err != nil {
			return nil, err
		}
		m.Write4(rsegHdr, common.TRX_RSEG_UNDO_SLOTS+slot*common.TRX_RSEG_SLOT_SIZE, pageNo)
		undo = &Undo{
			Rseg:       rseg,
			SlotNo:     slot,
			HdrPageNo:  pageNo,
			LastPageNo: pageNo,
			Size:       1,
		}
	}

	f, err := m.GetPageX(rseg.Space, undo.HdrPageNo)
	if err != nil {
		return nil, err
	}

	// 日志头追加在空闲区起点
	free := uint32(util.ReadUB2At(f.Data(), common.TRX_UNDO_PAGE_FREE))
	hdrOffset := free
	prevLog := uint32(util.ReadUB2At(f.Data(), common.TRX_UNDO_LAST_LOG))
	newFree := free + common.TRX_UNDO_LOG_HDR_SIZE

	m.Write8(f, hdrOffset+common.TRX_UNDO_TRX_ID, trxID)
	m.Write8(f, hdrOffset+common.TRX_UNDO_TRX_NO, 0)
	m.Write2(f, hdrOffset+common.TRX_UNDO_LOG_START, uint16(newFree))
	m.Write2(f, hdrOffset+common.TRX_UNDO_NEXT_LOG, 0)
	m.Write2(f, hdrOffset+common.TRX_UNDO_PREV_LOG, uint16(prevLog))
	m.Write2(f, hdrOffset+common.TRX_UNDO_NEEDS_PURGE, 0)
	if prevLog != 0 {
		m.Write2(f, prevLog+common.TRX_UNDO_NEXT_LOG, uint16(hdrOffset))
	}
	m.Write2(f, common.TRX_UNDO_LAST_LOG, uint16(hdrOffset))
	m.Write2(f, common.TRX_UNDO_PAGE_START, uint16(newFree))
	m.Write2(f, common.TRX_UNDO_PAGE_FREE, uint16(newFree))
	m.Write2(f, common.TRX_UNDO_STATE, common.TRX_UNDO_ACTIVE)

	undo.HdrOffset = hdrOffset
	undo.TrxID = trxID
	undo.State = common.TRX_UNDO_ACTIVE
	undo.NeedsPurge = false
	undo.topUndoNo = 0
	return undo, nil
}

// AppendRec 向undo日志追加一条记录
//
// 当前页放不下时分配新页挂到段的页面链表尾部。返回记录的回滚指针。
func (u *Undo) AppendRec(m *mtr.Mtr, tableID uint64, typ byte, payload []byte) (uint64, error) {
	need := uint32(UNDO_REC_HDR_SIZE + len(payload))
	f, err := m.GetPageX(u.Rseg.Space, u.LastPageNo)
	if err != nil {
		return 0, err
	}
	free := uint32(util.ReadUB2At(f.Data(), common.TRX_UNDO_PAGE_FREE))
	if free+need > common.PAGE_SIZE {
		pageNo, err := fspAllocPage(m, u.Rseg.Space)
		if err != nil {
			return 0, err
		}
		nf, err := m.GetPageX(u.Rseg.Space, pageNo)
		if err != nil {
			return 0, err
		}
		undoPageInit(m, nf)
		segPage, err := m.GetPageX(u.Rseg.Space, u.HdrPageNo)
		if err != nil {
			return 0, err
		}
		if err := FlstAddLast(m, u.Rseg.Space, segPage, common.TRX_UNDO_PAGE_LIST,
			nf, common.TRX_UNDO_PAGE_NODE); err != nil {
			return 0, err
		}
		u.LastPageNo = pageNo
		u.Size++
		f = nf
		free = uint32(util.ReadUB2At(f.Data(), common.TRX_UNDO_PAGE_FREE))
	}

	off := free
	end := off + need
	m.Write2(f, off+UNDO_REC_NEXT, uint16(end))
	m.Write8(f, off+UNDO_REC_UNDO_NO, u.topUndoNo)
	m.Write8(f, off+UNDO_REC_TABLE_ID, tableID)
	m.WriteBytes(f, off+UNDO_REC_TYPE, []byte{typ})
	if len(payload) > 0 {
		m.WriteBytes(f, off+UNDO_REC_HDR_SIZE, payload)
	}
	m.Write2(f, common.TRX_UNDO_PAGE_FREE, uint16(end))
	if typ != UNDO_INSERT_REC {
		u.NeedsPurge = true
	}
	u.topUndoNo++
	return MakeRollPtr(u.Rseg.ID, f.ID().PageNo, uint16(off)), nil
}

// firstRecOffset 某页上属于给定日志的第一条记录偏移，0表示本页无记录
//
// 头页上的记录区起点取日志头的LOG_START字段，终点到下一个日志头为止。
// 后续页整页属于同一个日志，起点取页面头的PAGE_START字段。
func firstRecOffset(page []byte, pageNo uint32, hdrPageNo uint32, hdrOffset uint32) uint32 {
	var start, end uint32
	if pageNo == hdrPageNo {
		start = uint32(util.ReadUB2At(page, hdrOffset+common.TRX_UNDO_LOG_START))
		end = uint32(util.ReadUB2At(page, hdrOffset+common.TRX_UNDO_NEXT_LOG))
	} else {
		start = uint32(util.ReadUB2At(page, common.TRX_UNDO_PAGE_START))
	}
	if end == 0 {
		end = uint32(util.ReadUB2At(page, common.TRX_UNDO_PAGE_FREE))
	}
	if start >= end {
		return 0
	}
	return start
}

// recEndOffset 某页上属于给定日志的记录区终点
func recEndOffset(page []byte, pageNo uint32, hdrPageNo uint32, hdrOffset uint32) uint32 {
	if pageNo == hdrPageNo {
		if nextLog := uint32(util.ReadUB2At(page, hdrOffset+common.TRX_UNDO_NEXT_LOG)); nextLog != 0 {
			return nextLog
		}
	}
	return uint32(util.ReadUB2At(page, common.TRX_UNDO_PAGE_FREE))
}

// fspAllocPage 从表空间分配一个新页
//
// 读首页的fsp头取当前大小，把它作为新页号并把大小加一。
func fspAllocPage(m *mtr.Mtr, space *buffer_pool.Space) (uint32, error) {
	hdr, err := m.GetPageX(space, 0)
	if err != nil {
		return 0, err
	}
	size := util.ReadUB4At(hdr.Data(), common.FSP_SIZE)
	m.Write4(hdr, common.FSP_SIZE, size+1)
	space.SetSize(size + 1)
	return size, nil
}

// FspHeaderInit 初始化表空间首页
func FspHeaderInit(m *mtr.Mtr, space *buffer_pool.Space, sizePages uint32) error {
	hdr, err := m.GetPageX(space, 0)
	if err != nil {
		return err
	}
	m.Memset(hdr, 0, common.PAGE_SIZE, 0)
	m.Write2(hdr, common.FIL_PAGE_TYPE, common.FILE_PAGE_TYPE_FSP_HDR)
	m.Write4(hdr, common.FSP_SPACE_ID, space.ID)
	m.Write4(hdr, common.FSP_SIZE, sizePages)
	space.SetSize(sizePages)
	return nil
}
