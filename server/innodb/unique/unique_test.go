package unique

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedDesc(t *testing.T, length uint32) *KeysDescriptor {
	desc, err := NewKeysDescriptor(FixedSingle, []Field{{Length: length}})
	require.NoError(t, err)
	return desc
}

func beKey(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

func TestDistinctBasic(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1<<20, false, 0, t.TempDir())
	defer u.Close()

	for _, v := range []uint64{3, 1, 2, 1, 3, 3} {
		require.NoError(t, u.AddKey(beKey(v)))
	}

	keys, _, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	// 键序遍历
	assert.Equal(t, beKey(1), keys[0])
	assert.Equal(t, beKey(2), keys[1])
	assert.Equal(t, beKey(3), keys[2])
	assert.Equal(t, 3, u.ElemsInTree())
}

func TestDistinctWithCounters(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1<<20, true, 0, t.TempDir())
	defer u.Close()

	for _, v := range []uint64{5, 5, 7, 5, 9, 9} {
		require.NoError(t, u.AddKey(beKey(v)))
	}

	keys, counts, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, []uint64{3, 1, 2}, counts)
}

func TestSpillAndMerge(t *testing.T) {
	// 内存预算压到很小，强制多次溢出
	u := NewUnique(fixedDesc(t, 8), 1024, true, 0, t.TempDir())
	defer u.Close()

	const total = 10000
	const distinct = 1000
	for i := 0; i < total; i++ {
		require.NoError(t, u.AddKey(beKey(uint64(i%distinct))))
	}
	require.Greater(t, len(u.spill.runs), 1, "预算太小必然产生多个run")

	keys, counts, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, distinct)

	// 归并输出保持键序，重复键的计数跨run求和
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	}))
	var sum uint64
	for i, c := range counts {
		sum += c
		assert.Equal(t, uint64(total/distinct), c, "key %d", i)
	}
	assert.Equal(t, uint64(total), sum)
}

func TestWalkEarlyStop(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1<<20, false, 0, t.TempDir())
	defer u.Close()
	for v := uint64(0); v < 10; v++ {
		require.NoError(t, u.AddKey(beKey(v)))
	}

	seen := 0
	require.NoError(t, u.Walk(func(key []byte, count uint64) bool {
		seen++
		return seen < 3
	}))
	assert.Equal(t, 3, seen)
}

func TestMinDuplCountFilter(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1<<20, false, 2, t.TempDir())
	defer u.Close()

	for _, v := range []uint64{1, 1, 1, 2, 3, 3} {
		require.NoError(t, u.AddKey(beKey(v)))
	}

	keys, counts, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, beKey(1), keys[0])
	assert.Equal(t, beKey(3), keys[1])
	assert.Equal(t, []uint64{3, 2}, counts)
	// 出现次数不足的键2被滤掉
	assert.Equal(t, uint64(1), u.FilteredOutElems())
}

func TestCloseForExpansion(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1<<20, true, 0, t.TempDir())
	defer u.Close()

	require.NoError(t, u.AddKey(beKey(1)))
	require.NoError(t, u.AddKey(beKey(2)))
	u.CloseForExpansion()

	// 新键被忽略，既有键继续累计
	require.NoError(t, u.AddKey(beKey(3)))
	require.NoError(t, u.AddKey(beKey(1)))

	keys, counts, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, []uint64{2, 1}, counts)
}

func TestReset(t *testing.T) {
	u := NewUnique(fixedDesc(t, 8), 1024, true, 0, t.TempDir())
	defer u.Close()

	for i := 0; i < 500; i++ {
		require.NoError(t, u.AddKey(beKey(uint64(i))))
	}
	require.NotEmpty(t, u.spill.runs)
	require.NoError(t, u.Reset())
	assert.Zero(t, u.ElemsInTree())
	assert.Empty(t, u.spill.runs)

	// 复用于下一组数据
	require.NoError(t, u.AddKey(beKey(42)))
	keys, counts, err := u.Get()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []uint64{1}, counts)
}

func TestSpaceLeft(t *testing.T) {
	desc := fixedDesc(t, 8)
	u := NewUnique(desc, 100, false, 0, t.TempDir())
	defer u.Close()

	assert.Equal(t, uint64(100), u.SpaceLeft())
	require.NoError(t, u.AddKey(beKey(1)))
	assert.Equal(t, uint64(100-treeElementOverhead-8), u.SpaceLeft())
}

func TestUseCost(t *testing.T) {
	assert.Zero(t, UseCost(0, 100, 1.0))
	assert.Zero(t, UseCost(100, 1, 1.0))
	assert.Zero(t, UseCost(100, 100, 0))
	// log2(16) == 4
	assert.InDelta(t, 400.0, UseCost(100, 16, 1.0), 1e-9)
	assert.InDelta(t, 200.0, UseCost(100, 16, 2.0), 1e-9)
}
