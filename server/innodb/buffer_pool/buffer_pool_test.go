package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/basic"
)

func TestGetPage(t *testing.T) {
	bp := NewBufferPool(0)
	space := NewSpace(1, 4)

	t.Run("同一页号返回同一个帧", func(t *testing.T) {
		f1, err := bp.GetPage(space, 0)
		require.NoError(t, err)
		f2, err := bp.GetPage(space, 0)
		require.NoError(t, err)
		assert.Same(t, f1, f2)
	})

	t.Run("超出表空间大小", func(t *testing.T) {
		_, err := bp.GetPage(space, 4)
		assert.ErrorIs(t, err, basic.ErrPageNotFound)
	})
}

func TestFlushListOrder(t *testing.T) {
	bp := NewBufferPool(0)
	space := NewSpace(1, 8)

	var frames []*Frame
	for i := uint32(0); i < 3; i++ {
		f, err := bp.GetPage(space, i)
		require.NoError(t, err)
		bp.MarkDirty(f)
		frames = append(frames, f)
	}
	assert.Equal(t, uint32(3), bp.DirtyCount())

	// 尾部是最早标脏的页面，向头部越来越新
	bp.FlushListLock()
	f := bp.FlushListLast()
	assert.Same(t, frames[0], f)
	f = bp.FlushListPrev(f)
	assert.Same(t, frames[1], f)
	f = bp.FlushListPrev(f)
	assert.Same(t, frames[2], f)
	assert.Nil(t, bp.FlushListPrev(f))
	bp.FlushListUnlock()

	// 重复标脏保留原oldestModification
	old := frames[0].OldestModification()
	bp.MarkDirty(frames[0])
	assert.Equal(t, old, frames[0].OldestModification())
	assert.Equal(t, uint32(3), bp.DirtyCount())
}

func TestRemoveDirtyAdjustsHazardPointer(t *testing.T) {
	bp := NewBufferPool(0)
	space := NewSpace(1, 8)

	f0, _ := bp.GetPage(space, 0)
	f1, _ := bp.GetPage(space, 1)
	bp.MarkDirty(f0)
	bp.MarkDirty(f1)

	bp.FlushListLock()
	bp.SetFlushHP(f0)
	bp.RemoveDirty(f0)
	// hazard pointer退到被摘除帧的前驱（更新的方向）
	assert.Same(t, f1, bp.FlushHP())
	assert.Zero(t, f0.OldestModification())
	assert.Same(t, f1, bp.FlushListLast())
	bp.RemoveDirty(f1)
	assert.Nil(t, bp.FlushListLast())
	bp.FlushListUnlock()

	assert.Zero(t, bp.DirtyCount())
}

func TestTruncateSpace(t *testing.T) {
	bp := NewBufferPool(0)
	space := NewSpace(1, 8)
	other := NewSpace(2, 8)

	kept, _ := bp.GetPage(space, 1)
	kept.Data()[0] = 0xab
	bp.MarkDirty(kept)
	dropped, _ := bp.GetPage(space, 6)
	bp.MarkDirty(dropped)
	foreign, _ := bp.GetPage(other, 6)
	bp.MarkDirty(foreign)

	bp.TruncateSpace(space, 4)

	// 超出新大小的帧被丢弃，保留的帧内容清零且全部摘下flush list
	assert.Zero(t, kept.OldestModification())
	assert.Zero(t, dropped.OldestModification())
	assert.Zero(t, kept.Data()[0])
	again, err := bp.GetPage(space, 1)
	require.NoError(t, err)
	assert.Same(t, kept, again)

	// 其他表空间不受影响
	assert.NotZero(t, foreign.OldestModification())
	assert.Equal(t, uint32(1), bp.DirtyCount())
}

func TestFrameFixCount(t *testing.T) {
	f := newFrame(PageID{SpaceID: 1, PageNo: 0})
	f.Fix()
	f.Fix()
	assert.Equal(t, int32(2), f.FixCount())
	f.Unfix()
	f.Unfix()
	assert.Panics(t, func() { f.Unfix() })
}

func TestSpaceFlags(t *testing.T) {
	s := NewSpace(3, 64)

	s.Reacquire()
	assert.True(t, s.Referenced())
	s.Release()
	assert.False(t, s.Referenced())

	s.SetStopping()
	s.SetBeingTruncated()
	assert.True(t, s.IsStopping())
	assert.True(t, s.IsBeingTruncated())
	s.ClearStopping()
	assert.False(t, s.IsStopping())
	assert.False(t, s.IsBeingTruncated())

	s.BumpUndoTruncations()
	s.BumpUndoTruncations()
	assert.Equal(t, uint64(2), s.UndoTruncations())

	s.SetSize(32)
	assert.Equal(t, uint32(32), s.Size())
}
