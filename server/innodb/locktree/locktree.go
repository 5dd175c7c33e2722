package locktree

import (
	"sync"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/logger"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

// 边界写冲突判定结果
type conflict int

const (
	conflictNo conflict = iota
	conflictMaybe
	conflictYes
)

// LockTree 单个索引上的范围锁树
//
// borderwrite汇总所有事务写锁的外包络区间，mainread汇总所有事务的
// 读区间，selfread和selfwrite按事务各自维护。写冲突先查borderwrite
// 粗筛，拿不准时再到持有者的selfwrite里精确核对。
type LockTree struct {
	mu  sync.Mutex
	mgr *Ltm
	cmp CompareFunc

	borderwrite *rangeTree
	mainread    *rangeTree
	selfread    map[TXNID]*rangeTree
	selfwrite   map[TXNID]*rangeTree

	dups     bool
	panicked bool

	// 事务在本树上拿到第一个锁/释放全部锁时通知事务层
	onTxnAdd    func(TXNID)
	onTxnRemove func(TXNID)
}

func newLockTree(mgr *Ltm, cmp CompareFunc) *LockTree {
	return &LockTree{
		mgr:         mgr,
		cmp:         cmp,
		borderwrite: newRangeTree(cmp, false),
		mainread:    newRangeTree(cmp, true),
		selfread:    make(map[TXNID]*rangeTree),
		selfwrite:   make(map[TXNID]*rangeTree),
	}
}

// SetDups 切换重复键模式，只允许在树为空时设置
func (lt *LockTree) SetDups(dups bool) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.panicked {
		return basic.ErrInvalidParameter
	}
	if lt.borderwrite.size() != 0 || lt.mainread.size() != 0 ||
		len(lt.selfread) != 0 || len(lt.selfwrite) != 0 {
		return basic.ErrInvalidParameter
	}
	lt.dups = dups
	return nil
}

// SetTxnCallbacks 安装事务生命周期回调
func (lt *LockTree) SetTxnCallbacks(add, remove func(TXNID)) {
	lt.mu.Lock()
	lt.onTxnAdd = add
	lt.onTxnRemove = remove
	lt.mu.Unlock()
}

// hasLocks 事务在本树上是否持有锁
func (lt *LockTree) hasLocks(txn TXNID) bool {
	if sr := lt.selfread[txn]; sr != nil && sr.size() > 0 {
		return true
	}
	if sw := lt.selfwrite[txn]; sw != nil && sw.size() > 0 {
		return true
	}
	return false
}

// panic 标记内部不一致，之后的所有操作都拒绝
func (lt *LockTree) panicTree(where string) error {
	lt.panicked = true
	logger.Errorf("locktree: inconsistent state in %s", where)
	return basic.ErrLockTreeInconsistent
}

func (lt *LockTree) selfReadOf(txn TXNID) *rangeTree {
	rt, ok := lt.selfread[txn]
	if !ok {
		rt = newRangeTree(lt.cmp, false)
		lt.selfread[txn] = rt
	}
	return rt
}

func (lt *LockTree) selfWriteOf(txn TXNID) *rangeTree {
	rt, ok := lt.selfwrite[txn]
	if !ok {
		rt = newRangeTree(lt.cmp, false)
		lt.selfwrite[txn] = rt
	}
	return rt
}

// dominated 查询区间是否被事务已持有的某个区间完全覆盖
func dominated(cmp CompareFunc, q *Range, rt *rangeTree) bool {
	if rt == nil {
		return false
	}
	for _, r := range rt.findOverlaps(q) {
		if comparePoints(cmp, r.Left, q.Left) <= 0 &&
			comparePoints(cmp, q.Right, r.Right) <= 0 {
			return true
		}
	}
	return false
}

// checkBorderwriteConflict 边界写冲突粗筛
//
// 与两个以上边界区间相交说明跨越了别的事务的写区域。只与一个相交
// 且持有者是别人时结果存疑，去持有者的selfwrite里精确核对。
func (lt *LockTree) checkBorderwriteConflict(txn TXNID, q *Range) conflict {
	overlaps := lt.borderwrite.findOverlaps(q)
	switch {
	case len(overlaps) == 0:
		return conflictNo
	case len(overlaps) >= 2:
		for _, r := range overlaps {
			if r.Owner != txn {
				return conflictYes
			}
		}
		return conflictNo
	default:
		peer := overlaps[0]
		if peer.Owner == txn {
			return conflictNo
		}
		sw := lt.selfwrite[peer.Owner]
		if sw == nil {
			return conflictYes
		}
		if len(sw.findOverlaps(q)) > 0 {
			return conflictYes
		}
		return conflictNo
	}
}

// checkReadConflict 是否有别的事务的读区间挡住了写
func (lt *LockTree) checkReadConflict(txn TXNID, q *Range) bool {
	for _, r := range lt.mainread.findOverlaps(q) {
		if r.Owner != txn {
			return true
		}
	}
	return false
}

func (lt *LockTree) validateRange(q *Range) error {
	if q.Left == nil || q.Right == nil {
		return basic.ErrInvalidParameter
	}
	if comparePoints(lt.cmp, q.Left, q.Right) > 0 {
		return basic.ErrReversedRange
	}
	return nil
}

// AcquireRead 获取单点读锁
func (lt *LockTree) AcquireRead(txn TXNID, key []byte) error {
	p := NewPoint(key)
	return lt.AcquireRangeRead(txn, p, p)
}

// AcquireRangeRead 获取范围读锁
//
// 与事务已持有的读区间合并成一个更大的区间。锁预算不足时先尝试
// 升级，再试一次仍不够则失败。
func (lt *LockTree) AcquireRangeRead(txn TXNID, left, right *Point) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.panicked {
		return basic.ErrInvalidParameter
	}
	q := &Range{Left: left, Right: right, Owner: txn}
	if err := lt.validateRange(q); err != nil {
		return err
	}

	// 已被自己的读锁或写锁覆盖
	if dominated(lt.cmp, q, lt.selfread[txn]) || dominated(lt.cmp, q, lt.selfwrite[txn]) {
		return nil
	}

	if lt.checkBorderwriteConflict(txn, q) != conflictNo {
		return basic.ErrLockNotGranted
	}

	first := !lt.hasLocks(txn)
	if err := lt.consolidateRead(txn, q, true); err != nil {
		return err
	}
	if first && lt.onTxnAdd != nil {
		lt.onTxnAdd(txn)
	}
	return nil
}

// consolidateRead 把读区间与既有区间合并后写入selfread和mainread
func (lt *LockTree) consolidateRead(txn TXNID, q *Range, mayEscalate bool) error {
	sr := lt.selfReadOf(txn)
	overlaps := sr.findOverlaps(q)

	// 锁数量预算：合并替换掉的区间可以抵扣
	if !lt.mgr.reserve(1, uint32(len(overlaps))) {
		if !mayEscalate {
			return basic.ErrOutOfLocks
		}
		lt.escalate()
		return lt.consolidateRead(txn, q, false)
	}

	merged := &Range{Left: q.Left, Right: q.Right, Owner: txn}
	for _, r := range overlaps {
		if comparePoints(lt.cmp, r.Left, merged.Left) < 0 {
			merged.Left = r.Left
		}
		if comparePoints(lt.cmp, r.Right, merged.Right) > 0 {
			merged.Right = r.Right
		}
		if !sr.remove(r) || !lt.mainread.remove(r) {
			return lt.panicTree("consolidate read")
		}
	}
	sr.insert(merged)
	lt.mainread.insert(merged)
	return nil
}

// AcquireWrite 获取单点写锁
func (lt *LockTree) AcquireWrite(txn TXNID, key []byte) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.panicked {
		return basic.ErrInvalidParameter
	}
	p := NewPoint(key)
	q := &Range{Left: p, Right: p, Owner: txn}

	if dominated(lt.cmp, q, lt.selfwrite[txn]) {
		return nil
	}
	if lt.checkBorderwriteConflict(txn, q) != conflictNo {
		return basic.ErrLockNotGranted
	}
	if lt.checkReadConflict(txn, q) {
		return basic.ErrLockNotGranted
	}

	if !lt.mgr.reserve(1, 0) {
		lt.escalate()
		if dominated(lt.cmp, q, lt.selfwrite[txn]) {
			return nil
		}
		if !lt.mgr.reserve(1, 0) {
			return basic.ErrOutOfLocks
		}
	}

	first := !lt.hasLocks(txn)
	lt.selfWriteOf(txn).insert(q)
	if err := lt.borderwriteInsert(txn, q); err != nil {
		return err
	}
	if first && lt.onTxnAdd != nil {
		lt.onTxnAdd(txn)
	}
	return nil
}

// AcquireRangeWrite 获取范围写锁
//
// 只支持退化为单点的区间，真正的范围写锁尚未实现。
func (lt *LockTree) AcquireRangeWrite(txn TXNID, left, right *Point) error {
	if left == nil || right == nil {
		return basic.ErrInvalidParameter
	}
	if comparePoints(lt.cmp, left, right) > 0 {
		return basic.ErrReversedRange
	}
	if comparePoints(lt.cmp, left, right) != 0 || left.IsInfinite() {
		return basic.ErrNotImplemented
	}
	return lt.AcquireWrite(txn, left.Key())
}

// borderwriteInsert 把单点写锁并入borderwrite
//
// 点落在自己的边界区间内时无事可做；与前驱或后继同属一个事务时
// 扩张合并；落在别的事务的边界区间内时按对方selfwrite的实际范围
// 把对方的区间一分为二，再插入自己的点。
func (lt *LockTree) borderwriteInsert(txn TXNID, q *Range) error {
	overlaps := lt.borderwrite.findOverlaps(q)
	if len(overlaps) > 1 {
		return lt.panicTree("borderwrite insert")
	}

	if len(overlaps) == 1 {
		peer := overlaps[0]
		if peer.Owner == txn {
			return nil
		}
		// 对方的边界区间按其selfwrite收缩成两半
		sw := lt.selfwrite[peer.Owner]
		if sw == nil {
			return lt.panicTree("borderwrite split")
		}
		if !lt.borderwrite.remove(peer) {
			return lt.panicTree("borderwrite split")
		}
		if pred := sw.predecessor(q.Left); pred != nil &&
			comparePoints(lt.cmp, pred.Right, peer.Left) >= 0 {
			lt.borderwrite.insert(&Range{Left: peer.Left, Right: pred.Right, Owner: peer.Owner})
		}
		if succ := sw.successor(q.Left); succ != nil &&
			comparePoints(lt.cmp, succ.Left, peer.Right) <= 0 {
			lt.borderwrite.insert(&Range{Left: succ.Left, Right: peer.Right, Owner: peer.Owner})
		}
		lt.borderwrite.insert(&Range{Left: q.Left, Right: q.Right, Owner: txn})
		return nil
	}

	// 与相邻的同事务区间扩张合并
	merged := &Range{Left: q.Left, Right: q.Right, Owner: txn}
	if pred := lt.borderwrite.predecessor(q.Left); pred != nil && pred.Owner == txn {
		lt.borderwrite.remove(pred)
		merged.Left = pred.Left
	}
	if succ := lt.borderwrite.successor(q.Left); succ != nil && succ.Owner == txn {
		lt.borderwrite.remove(succ)
		merged.Right = succ.Right
	}
	lt.borderwrite.insert(merged)
	return nil
}

// escalate 锁升级
//
// 把每个事务的selfread和selfwrite分别压成一个外包络区间。只有在
// 外包络范围内没有别的事务的锁时才可以安全升级。
func (lt *LockTree) escalate() {
	for txn, sw := range lt.selfwrite {
		lt.escalateTree(txn, sw, true)
	}
	for txn, sr := range lt.selfread {
		lt.escalateTree(txn, sr, false)
	}
}

func (lt *LockTree) escalateTree(txn TXNID, rt *rangeTree, isWrite bool) {
	if rt.size() <= 1 {
		return
	}
	var bound *Range
	rt.iterate(func(r *Range) bool {
		if bound == nil {
			bound = &Range{Left: r.Left, Right: r.Right, Owner: txn}
		} else {
			bound.Right = r.Right
		}
		return true
	})

	// 外包络范围内有别人的锁则不能升级
	for owner, other := range lt.selfread {
		if owner != txn && len(other.findOverlaps(bound)) > 0 {
			return
		}
	}
	for owner, other := range lt.selfwrite {
		if owner != txn && len(other.findOverlaps(bound)) > 0 {
			return
		}
	}
	if isWrite {
		// 升级写锁还不能吞掉别人的读区间
		for _, r := range lt.mainread.findOverlaps(bound) {
			if r.Owner != txn {
				return
			}
		}
		// 树上只有本事务时写包络直接扩到无穷，之后的点写全被它覆盖
		if lt.aloneInTree(txn) {
			bound.Left, bound.Right = NegInf, PosInf
		}
	}

	released := uint32(0)
	var olds []*Range
	rt.iterate(func(r *Range) bool {
		olds = append(olds, r)
		return true
	})
	for _, r := range olds {
		rt.remove(r)
		if !isWrite {
			lt.mainread.remove(r)
		}
		released++
	}
	rt.insert(bound)
	if !isWrite {
		lt.mainread.insert(bound)
	}
	lt.mgr.release(released - 1)

	if isWrite {
		lt.rebuildBorderFor(txn, bound)
	}
}

// aloneInTree 树上是否不存在其他事务的锁
func (lt *LockTree) aloneInTree(txn TXNID) bool {
	for owner, rt := range lt.selfread {
		if owner != txn && rt.size() > 0 {
			return false
		}
	}
	for owner, rt := range lt.selfwrite {
		if owner != txn && rt.size() > 0 {
			return false
		}
	}
	return true
}

// rebuildBorderFor 写锁升级后刷新该事务的borderwrite区间
func (lt *LockTree) rebuildBorderFor(txn TXNID, bound *Range) {
	var olds []*Range
	lt.borderwrite.iterate(func(r *Range) bool {
		if r.Owner == txn {
			olds = append(olds, r)
		}
		return true
	})
	for _, r := range olds {
		lt.borderwrite.remove(r)
	}
	lt.borderwrite.insert(&Range{Left: bound.Left, Right: bound.Right, Owner: txn})
}

// Unlock 释放事务持有的全部锁
//
// 读区间同时从mainread撤掉；写区间撤掉后清扫borderwrite，相邻的
// 同一个事务的残余区间趁机合并。
func (lt *LockTree) Unlock(txn TXNID) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.panicked {
		return basic.ErrInvalidParameter
	}

	released := uint32(0)

	if sr, ok := lt.selfread[txn]; ok {
		sr.iterate(func(r *Range) bool {
			lt.mainread.remove(r)
			released++
			return true
		})
		delete(lt.selfread, txn)
	}

	if sw, ok := lt.selfwrite[txn]; ok {
		released += uint32(sw.size())
		delete(lt.selfwrite, txn)
		lt.sweepBorder(txn)
	}

	lt.mgr.release(released)
	if released > 0 && lt.onTxnRemove != nil {
		lt.onTxnRemove(txn)
	}
	return nil
}

// sweepBorder 把事务的边界区间清掉并合并新近相邻的同主区间
func (lt *LockTree) sweepBorder(txn TXNID) {
	var all []*Range
	lt.borderwrite.iterate(func(r *Range) bool {
		all = append(all, r)
		return true
	})

	var kept []*Range
	for _, r := range all {
		lt.borderwrite.remove(r)
		if r.Owner != txn {
			kept = append(kept, r)
		}
	}

	var prev *Range
	for _, r := range kept {
		if prev != nil && prev.Owner == r.Owner {
			prev.Right = r.Right
			continue
		}
		if prev != nil {
			lt.borderwrite.insert(prev)
		}
		prev = &Range{Left: r.Left, Right: r.Right, Owner: r.Owner}
	}
	if prev != nil {
		lt.borderwrite.insert(prev)
	}
}
