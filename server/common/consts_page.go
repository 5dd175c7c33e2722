package common

// 页面尺寸与文件头布局
const PAGE_SIZE = 16384
const PAGE_FILE_HEADER_SIZE = 38
const PAGE_FILE_TRAILER_SIZE = 8

// 文件头内页面类型字段的偏移
const FIL_PAGE_TYPE = 24

// 文件头内的页面类型
const (
	FILE_PAGE_TYPE_ALLOCATED = 0x0000
	FILE_PAGE_UNDO_LOG       = 0x0002
	FILE_PAGE_TYPE_FSP_HDR   = 0x0008
)
