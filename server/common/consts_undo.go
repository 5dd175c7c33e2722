package common

// 无效页号
const FIL_NULL uint32 = 0xffffffff

// 文件链表（flst）节点布局
//
// fil_addr为页号(4)+页内偏移(2)；基节点为长度(4)+首地址(6)+尾地址(6)。
const (
	FIL_ADDR_PAGE = 0
	FIL_ADDR_BYTE = 4
	FIL_ADDR_SIZE = 6

	FLST_LEN   = 0
	FLST_FIRST = 4
	FLST_LAST  = 10

	FLST_PREV = 0
	FLST_NEXT = 6

	FLST_BASE_NODE_SIZE = 16
	FLST_NODE_SIZE      = 12
)

// undo页面头，紧跟38字节文件头
const (
	TRX_UNDO_PAGE_HDR = PAGE_FILE_HEADER_SIZE

	TRX_UNDO_PAGE_TYPE  = TRX_UNDO_PAGE_HDR + 0 // u16
	TRX_UNDO_PAGE_START = TRX_UNDO_PAGE_HDR + 2 // u16 本页内最早一条undo记录
	TRX_UNDO_PAGE_FREE  = TRX_UNDO_PAGE_HDR + 4 // u16 本页内空闲起点
	TRX_UNDO_PAGE_NODE  = TRX_UNDO_PAGE_HDR + 6 // flst节点，挂在段的页面链表上

	TRX_UNDO_PAGE_HDR_SIZE = 6 + FLST_NODE_SIZE
)

// undo段头，只出现在段首页
const (
	TRX_UNDO_SEG_HDR = TRX_UNDO_PAGE_HDR + TRX_UNDO_PAGE_HDR_SIZE

	TRX_UNDO_STATE     = TRX_UNDO_SEG_HDR + 0 // u16 段状态
	TRX_UNDO_LAST_LOG  = TRX_UNDO_SEG_HDR + 2 // u16 页内最后一个日志头偏移
	TRX_UNDO_PAGE_LIST = TRX_UNDO_SEG_HDR + 4 // flst基节点，段内页面链表

	TRX_UNDO_SEG_HDR_SIZE = 4 + FLST_BASE_NODE_SIZE
)

// undo段状态
const (
	TRX_UNDO_ACTIVE   uint16 = 1
	TRX_UNDO_CACHED   uint16 = 2
	TRX_UNDO_TO_PURGE uint16 = 4
	TRX_UNDO_PREPARED uint16 = 5
)

// undo日志头，偏移相对于日志头起点
const (
	TRX_UNDO_TRX_ID       = 0  // u64
	TRX_UNDO_TRX_NO       = 8  // u64 提交序号
	TRX_UNDO_LOG_START    = 16 // u16 第一条记录偏移
	TRX_UNDO_NEXT_LOG     = 18 // u16 同页内下一个日志头
	TRX_UNDO_PREV_LOG     = 20 // u16 同页内上一个日志头
	TRX_UNDO_NEEDS_PURGE  = 22 // u16 0/1
	TRX_UNDO_HISTORY_NODE = 24 // flst节点，挂在rseg的history链表上

	TRX_UNDO_LOG_HDR_SIZE = 24 + FLST_NODE_SIZE
)

// 单页undo段可被缓存复用的空闲上限
const TRX_UNDO_PAGE_REUSE_LIMIT = PAGE_SIZE / 4

// 回滚段头页布局，紧跟38字节文件头
const (
	TRX_RSEG = PAGE_FILE_HEADER_SIZE

	TRX_RSEG_FORMAT       = TRX_RSEG + 0  // u32 0表示当前格式
	TRX_RSEG_HISTORY_SIZE = TRX_RSEG + 4  // u32 history链表上的页数
	TRX_RSEG_HISTORY      = TRX_RSEG + 8  // flst基节点
	TRX_RSEG_MAX_TRX_ID   = TRX_RSEG + 24 // u64

	TRX_RSEG_N_SLOTS    = 128
	TRX_RSEG_SLOT_SIZE  = 4
	TRX_RSEG_UNDO_SLOTS = TRX_RSEG + 32

	// binlog位点，在槽数组之后
	TRX_RSEG_BINLOG_OFFSET   = TRX_RSEG_UNDO_SLOTS + TRX_RSEG_N_SLOTS*TRX_RSEG_SLOT_SIZE // u64
	TRX_RSEG_BINLOG_NAME     = TRX_RSEG_BINLOG_OFFSET + 8
	TRX_RSEG_BINLOG_NAME_LEN = 512
)

// 表空间首页的fsp头
const (
	FSP_HEADER_OFFSET = PAGE_FILE_HEADER_SIZE
	FSP_SPACE_ID      = FSP_HEADER_OFFSET + 0 // u32
	FSP_SIZE          = FSP_HEADER_OFFSET + 4 // u32 表空间大小（页数）
)

// undo表空间的初始大小（页数）
const SRV_UNDO_TABLESPACE_SIZE_IN_PAGES uint32 = 64
