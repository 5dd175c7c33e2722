package mtr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

func TestMtrWriteAndCommit(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 4)

	m := New(bp)
	m.Start()
	f, err := m.GetPageX(space, 0)
	require.NoError(t, err)
	m.Write2(f, 0, 0x1234)
	m.Write4(f, 2, 0xdeadbeef)
	m.Write8(f, 6, 42)
	m.Memset(f, 14, 4, 0xff)
	m.Commit()

	assert.Equal(t, uint16(0x1234), util.ReadUB2At(f.Data(), 0))
	assert.Equal(t, uint32(0xdeadbeef), util.ReadUB4At(f.Data(), 2))
	assert.Equal(t, uint64(42), util.ReadUB8At(f.Data(), 6))
	assert.Equal(t, byte(0xff), f.Data()[17])

	// 提交后页面锁已释放
	assert.True(t, f.Latch.TryLock())
	f.Latch.Unlock()
	// 写过的页面在flush list上
	assert.Equal(t, uint32(1), bp.DirtyCount())
}

func TestMtrReentrantLatch(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 4)

	m := New(bp)
	m.Start()
	f1, err := m.GetPageX(space, 0)
	require.NoError(t, err)
	// 同一页面重复获取复用memo登记，不会自死锁
	f2, err := m.GetPageX(space, 0)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.True(t, m.HaveXLatch(f1))

	_, err = m.GetPageS(space, 0)
	require.NoError(t, err)
	m.Commit()

	assert.True(t, f1.Latch.TryLock())
	f1.Latch.Unlock()
}

func TestMtrSharedToExclusivePanics(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 4)

	m := New(bp)
	m.Start()
	defer m.Commit()
	_, err := m.GetPageS(space, 0)
	require.NoError(t, err)
	assert.Panics(t, func() {
		_, _ = m.GetPageX(space, 0)
	})
}

func TestMtrPageOutOfBounds(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 4)

	m := New(bp)
	m.Start()
	defer m.Commit()
	_, err := m.GetPageX(space, 4)
	assert.Error(t, err)
}

func TestCommitShrink(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 8)

	m := New(bp)
	m.Start()
	f, err := m.GetPageX(space, 7)
	require.NoError(t, err)
	m.Write2(f, 0, 1)

	space.SetStopping()
	m.SetNamedSpace(space)
	m.TrimPages(space, 4)
	space.SetSize(4)
	m.CommitShrink(space)

	assert.False(t, space.IsStopping())
	assert.Equal(t, uint32(4), space.Size())
	// 被裁掉的页面从flush list上消失
	assert.Zero(t, bp.DirtyCount())
}

func TestCommitShrinkRequiresNamedSpace(t *testing.T) {
	bp := buffer_pool.NewBufferPool(0)
	space := buffer_pool.NewSpace(1, 4)

	m := New(bp)
	m.Start()
	assert.Panics(t, func() { m.CommitShrink(space) })
}
