package basic

import "errors"

// 事务相关错误
var (
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrTransactionAborted      = errors.New("transaction aborted")
)

// 锁相关错误
var (
	ErrLockNotGranted       = errors.New("lock not granted")
	ErrDeadlockDetected     = errors.New("deadlock detected")
	ErrOutOfLocks           = errors.New("out of locks")
	ErrLockTreeInconsistent = errors.New("locking data structures have become inconsistent")
)

// 页面相关错误
var (
	ErrPageNotFound    = errors.New("page not found")
	ErrPageCorrupted   = errors.New("page corrupted")
	ErrInvalidPageType = errors.New("invalid page type")
	ErrInvalidPageID   = errors.New("invalid page ID")
)

// 存储相关错误
var (
	ErrSpaceNotFound = errors.New("space not found")
	ErrNoFreePages   = errors.New("no free pages")
	ErrNoFreeSpace   = errors.New("no free space")
)

// 字典相关错误
var (
	ErrTableNotFound  = errors.New("table not found")
	ErrTableCorrupted = errors.New("table corrupted")
)

// 系统错误
var (
	ErrNotImplemented   = errors.New("not implemented")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrReversedRange    = errors.New("range endpoints out of order")
	ErrInternalError    = errors.New("internal error")
	ErrIOError          = errors.New("I/O error")
)
