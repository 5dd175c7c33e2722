package latch

import "sync"

// Latch 页面帧上的读写锁
//
// 迷你事务对页面加锁时用，持有期跨越整个迷你事务，提交时统一释放。
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个页面锁
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取排他锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放排他锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取共享锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放共享锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLock 尝试获取排他锁，不阻塞
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}
