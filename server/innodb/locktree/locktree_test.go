package locktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

func newTestTree(t *testing.T, maxLocks uint32) (*Ltm, *LockTree) {
	mgr, err := NewLtm(maxLocks)
	require.NoError(t, err)
	return mgr, mgr.GetLockTree(1, nil)
}

func TestPointOrdering(t *testing.T) {
	t.Run("无穷端点按身份识别", func(t *testing.T) {
		assert.Equal(t, -1, comparePoints(nil, NegInf, NewPoint([]byte("a"))))
		assert.Equal(t, 1, comparePoints(nil, PosInf, NewPoint([]byte("zzz"))))
		assert.Equal(t, -1, comparePoints(nil, NegInf, PosInf))
		assert.Equal(t, 0, comparePoints(nil, PosInf, PosInf))
	})

	t.Run("普通键按字节序", func(t *testing.T) {
		assert.Equal(t, -1, comparePoints(nil, NewPoint([]byte("a")), NewPoint([]byte("b"))))
		assert.Equal(t, 0, comparePoints(nil, NewPoint([]byte("a")), NewPoint([]byte("a"))))
	})
}

func TestReadAndWriteSameTxn(t *testing.T) {
	_, lt := newTestTree(t, 100)

	// 同一事务先读后写同一个键
	require.NoError(t, lt.AcquireRead(1, []byte("k1")))
	require.NoError(t, lt.AcquireWrite(1, []byte("k1")))
	// 再读仍然成功
	require.NoError(t, lt.AcquireRead(1, []byte("k1")))
	require.NoError(t, lt.Unlock(1))
}

func TestWriteWriteConflict(t *testing.T) {
	_, lt := newTestTree(t, 100)

	require.NoError(t, lt.AcquireWrite(1, []byte("k1")))
	err := lt.AcquireWrite(2, []byte("k1"))
	assert.ErrorIs(t, err, basic.ErrLockNotGranted)

	// 不同键互不影响
	require.NoError(t, lt.AcquireWrite(2, []byte("k2")))

	// 持有者释放后可以获取
	require.NoError(t, lt.Unlock(1))
	require.NoError(t, lt.AcquireWrite(2, []byte("k1")))
}

func TestReadBlocksOtherWrite(t *testing.T) {
	_, lt := newTestTree(t, 100)

	require.NoError(t, lt.AcquireRangeRead(1, NewPoint([]byte("a")), NewPoint([]byte("m"))))
	assert.ErrorIs(t, lt.AcquireWrite(2, []byte("c")), basic.ErrLockNotGranted)
	// 区间之外可以写
	require.NoError(t, lt.AcquireWrite(2, []byte("z")))
	// 读共存
	require.NoError(t, lt.AcquireRead(2, []byte("c")))
}

func TestWriteBlocksOtherRead(t *testing.T) {
	_, lt := newTestTree(t, 100)

	require.NoError(t, lt.AcquireWrite(1, []byte("k1")))
	assert.ErrorIs(t, lt.AcquireRead(2, []byte("k1")), basic.ErrLockNotGranted)
	// 覆盖写锁的范围读也被挡
	assert.ErrorIs(t, lt.AcquireRangeRead(2, NewPoint([]byte("a")), NewPoint([]byte("z"))),
		basic.ErrLockNotGranted)
}

func TestBorderwriteSplit(t *testing.T) {
	_, lt := newTestTree(t, 100)

	// 事务1的边界区间[a, e]，事务2往中间的空隙写
	require.NoError(t, lt.AcquireWrite(1, []byte("a")))
	require.NoError(t, lt.AcquireWrite(1, []byte("e")))
	require.NoError(t, lt.AcquireWrite(2, []byte("c")))

	// 双方的实际锁仍然有效
	assert.ErrorIs(t, lt.AcquireWrite(2, []byte("a")), basic.ErrLockNotGranted)
	assert.ErrorIs(t, lt.AcquireWrite(1, []byte("c")), basic.ErrLockNotGranted)
}

func TestRangeReadConsolidation(t *testing.T) {
	mgr, lt := newTestTree(t, 100)

	require.NoError(t, lt.AcquireRangeRead(1, NewPoint([]byte("a")), NewPoint([]byte("c"))))
	require.NoError(t, lt.AcquireRangeRead(1, NewPoint([]byte("b")), NewPoint([]byte("f"))))
	// 两个重叠区间合并成一个
	assert.Equal(t, uint32(1), mgr.CurrLocks())
	assert.Equal(t, 1, lt.selfread[1].size())

	r := lt.selfread[1].findOverlaps(&Range{Left: NewPoint([]byte("a")), Right: NewPoint([]byte("f"))})
	require.Len(t, r, 1)
	assert.Equal(t, []byte("a"), r[0].Left.Key())
	assert.Equal(t, []byte("f"), r[0].Right.Key())
}

func TestEscalation(t *testing.T) {
	mgr, lt := newTestTree(t, 4)

	// 四个点读锁占满预算
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, lt.AcquireRead(1, []byte(k)))
	}
	assert.Equal(t, uint32(4), mgr.CurrLocks())

	// 第五个触发升级：四个点并成一个外包络区间，新点另占一个
	require.NoError(t, lt.AcquireRead(1, []byte("e")))
	assert.Equal(t, uint32(2), lt.selfreadSize(1))
	assert.Equal(t, uint32(2), mgr.CurrLocks())
}

func TestWriteEscalation(t *testing.T) {
	t.Run("独占树时压成无穷区间", func(t *testing.T) {
		mgr, lt := newTestTree(t, 4)
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, lt.AcquireWrite(1, []byte(k)))
		}
		assert.Equal(t, uint32(4), mgr.CurrLocks())

		// 第五个点写触发升级，独占树的事务压成一个无穷区间
		require.NoError(t, lt.AcquireWrite(1, []byte("e")))
		assert.Equal(t, uint32(1), lt.selfwriteSize(1))
		assert.Equal(t, uint32(1), mgr.CurrLocks())

		// 无穷区间挡住别的事务的任何写
		assert.ErrorIs(t, lt.AcquireWrite(2, []byte("zzz")), basic.ErrLockNotGranted)
		require.NoError(t, lt.Unlock(1))
		require.NoError(t, lt.AcquireWrite(2, []byte("zzz")))
	})

	t.Run("有别的事务时收缩成外包络", func(t *testing.T) {
		mgr, lt := newTestTree(t, 5)
		require.NoError(t, lt.AcquireWrite(2, []byte("x")))
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, lt.AcquireWrite(1, []byte(k)))
		}
		assert.Equal(t, uint32(5), mgr.CurrLocks())

		// 升级后旧的四个点变成[a, d]，新点另占一个
		require.NoError(t, lt.AcquireWrite(1, []byte("e")))
		assert.Equal(t, uint32(2), lt.selfwriteSize(1))
		assert.Equal(t, uint32(3), mgr.CurrLocks())
		// 包络之外不受影响
		require.NoError(t, lt.AcquireWrite(2, []byte("f")))
	})
}

func TestEscalationBlockedByPeer(t *testing.T) {
	_, lt := newTestTree(t, 4)

	require.NoError(t, lt.AcquireRead(1, []byte("a")))
	require.NoError(t, lt.AcquireRead(1, []byte("c")))
	require.NoError(t, lt.AcquireRead(1, []byte("e")))
	// 别的事务的锁落在外包络中间，升级不了
	require.NoError(t, lt.AcquireRead(2, []byte("d")))

	err := lt.AcquireRead(1, []byte("g"))
	assert.ErrorIs(t, err, basic.ErrOutOfLocks)
}

func TestUnlockSweepsBorder(t *testing.T) {
	_, lt := newTestTree(t, 100)

	require.NoError(t, lt.AcquireWrite(1, []byte("a")))
	require.NoError(t, lt.AcquireWrite(1, []byte("e")))
	require.NoError(t, lt.AcquireWrite(2, []byte("c")))
	assert.Equal(t, 3, lt.borderwrite.size())

	// 事务2退出后事务1被劈开的边界区间重新合并
	require.NoError(t, lt.Unlock(2))
	assert.Equal(t, 1, lt.borderwrite.size())

	require.NoError(t, lt.Unlock(1))
	assert.Equal(t, 0, lt.borderwrite.size())
}

func TestReversedRange(t *testing.T) {
	_, lt := newTestTree(t, 100)
	err := lt.AcquireRangeRead(1, NewPoint([]byte("z")), NewPoint([]byte("a")))
	assert.ErrorIs(t, err, basic.ErrReversedRange)
}

func TestRangeWriteNotImplemented(t *testing.T) {
	_, lt := newTestTree(t, 100)

	// 退化为单点时等价于点写锁
	require.NoError(t, lt.AcquireRangeWrite(1, NewPoint([]byte("k")), NewPoint([]byte("k"))))

	err := lt.AcquireRangeWrite(1, NewPoint([]byte("a")), NewPoint([]byte("z")))
	assert.ErrorIs(t, err, basic.ErrNotImplemented)
	err = lt.AcquireRangeWrite(1, NegInf, PosInf)
	assert.ErrorIs(t, err, basic.ErrNotImplemented)
}

func TestInfiniteRangeRead(t *testing.T) {
	_, lt := newTestTree(t, 100)

	// 全表读锁
	require.NoError(t, lt.AcquireRangeRead(1, NegInf, PosInf))
	assert.ErrorIs(t, lt.AcquireWrite(2, []byte("anything")), basic.ErrLockNotGranted)
	require.NoError(t, lt.Unlock(1))
	require.NoError(t, lt.AcquireWrite(2, []byte("anything")))
}

func TestSetDups(t *testing.T) {
	_, lt := newTestTree(t, 100)
	require.NoError(t, lt.SetDups(true))

	// 有锁之后不允许再切换
	require.NoError(t, lt.AcquireRead(1, []byte("k")))
	assert.ErrorIs(t, lt.SetDups(false), basic.ErrInvalidParameter)
}

func TestPanickedTreeRejectsEverything(t *testing.T) {
	_, lt := newTestTree(t, 100)
	lt.mu.Lock()
	lt.panicked = true
	lt.mu.Unlock()

	assert.ErrorIs(t, lt.AcquireRead(1, []byte("k")), basic.ErrInvalidParameter)
	assert.ErrorIs(t, lt.AcquireWrite(1, []byte("k")), basic.ErrInvalidParameter)
	assert.ErrorIs(t, lt.Unlock(1), basic.ErrInvalidParameter)
}

func TestTxnCallbacks(t *testing.T) {
	_, lt := newTestTree(t, 100)

	var added, removed []TXNID
	lt.SetTxnCallbacks(
		func(txn TXNID) { added = append(added, txn) },
		func(txn TXNID) { removed = append(removed, txn) },
	)

	require.NoError(t, lt.AcquireRead(7, []byte("a")))
	// 第二个锁不再触发
	require.NoError(t, lt.AcquireWrite(7, []byte("b")))
	require.NoError(t, lt.AcquireWrite(8, []byte("c")))
	assert.Equal(t, []TXNID{7, 8}, added)

	require.NoError(t, lt.Unlock(7))
	assert.Equal(t, []TXNID{7}, removed)
	// 没有锁的事务解锁不触发
	require.NoError(t, lt.Unlock(9))
	assert.Equal(t, []TXNID{7}, removed)
}

func TestLtmClose(t *testing.T) {
	mgr, err := NewLtm(100)
	require.NoError(t, err)
	lt1 := mgr.GetLockTree(1, nil)
	_ = mgr.GetLockTree(2, nil)

	require.NoError(t, lt1.AcquireRead(1, []byte("k")))
	require.NoError(t, mgr.Close())

	// 已损坏的树让Close报错
	mgr2, err := NewLtm(100)
	require.NoError(t, err)
	bad := mgr2.GetLockTree(1, nil)
	bad.mu.Lock()
	bad.panicked = true
	bad.mu.Unlock()
	assert.ErrorIs(t, mgr2.Close(), basic.ErrLockTreeInconsistent)
}

// selfreadSize 测试辅助，读取事务的selfread区间数
func (lt *LockTree) selfreadSize(txn TXNID) uint32 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	rt, ok := lt.selfread[txn]
	if !ok {
		return 0
	}
	return uint32(rt.size())
}

// selfwriteSize 测试辅助，读取事务的selfwrite区间数
func (lt *LockTree) selfwriteSize(txn TXNID) uint32 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	rt, ok := lt.selfwrite[txn]
	if !ok {
		return 0
	}
	return uint32(rt.size())
}
