package unique

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeysDescriptor(t *testing.T) {
	t.Run("单字段变体只收一个字段", func(t *testing.T) {
		_, err := NewKeysDescriptor(FixedSingle, []Field{{Length: 4}, {Length: 4}})
		assert.Error(t, err)
		_, err = NewKeysDescriptor(FixedSingle, nil)
		assert.Error(t, err)
	})

	t.Run("键长上限统计null字节和长度前缀", func(t *testing.T) {
		d, err := NewKeysDescriptor(FixedWithNulls, []Field{
			{Length: 4, Nullable: true, NullBit: 1},
			{Offset: 4, Length: 8},
		})
		require.NoError(t, err)
		assert.Equal(t, uint32(4+1+8), d.MaxKeyLen)

		d, err = NewKeysDescriptor(VarSingle, []Field{{Length: 10, VarLen: true}})
		require.NoError(t, err)
		assert.Equal(t, uint32(10+varKeyPrefixLen), d.MaxKeyLen)
	})

	t.Run("变体判定与键长", func(t *testing.T) {
		fixed, err := NewKeysDescriptor(FixedSingle, []Field{{Length: 8}})
		require.NoError(t, err)
		assert.True(t, fixed.IsSingleArg())
		assert.False(t, fixed.IsVariableSized())
		assert.Equal(t, 8, fixed.LengthOf(make([]byte, 8)))

		v, err := NewKeysDescriptor(VarSingle, []Field{{Length: 10, VarLen: true}})
		require.NoError(t, err)
		assert.True(t, v.IsVariableSized())
		key, ok, err := v.EncodeRecord([]byte{3, 0, 'f', 'o', 'o'})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, len(key), v.LengthOf(key))
		assert.Equal(t, 0, v.Compare(key, key))
	})
}

func TestEncodeFixedSingle(t *testing.T) {
	d, err := NewKeysDescriptor(FixedSingle, []Field{{Offset: 2, Length: 4}})
	require.NoError(t, err)

	key, ok, err := d.EncodeRecord([]byte{0xff, 0xff, 'a', 'b', 'c', 'd', 0xff})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), key)
}

func TestEncodeMemCmpInt(t *testing.T) {
	d, err := NewKeysDescriptor(FixedSingleMemCmp, []Field{{Length: 8}})
	require.NoError(t, err)

	enc := func(v int64) []byte {
		rec := make([]byte, 8)
		binary.LittleEndian.PutUint64(rec, uint64(v))
		key, ok, err := d.EncodeRecord(rec)
		require.NoError(t, err)
		require.True(t, ok)
		return key
	}

	// 编码后的字节序即数值序，负数排在正数前面
	vals := []int64{-1 << 62, -7, -1, 0, 1, 42, 1 << 62}
	for i := 1; i < len(vals); i++ {
		assert.Negative(t, bytes.Compare(enc(vals[i-1]), enc(vals[i])),
			"%d should sort before %d", vals[i-1], vals[i])
	}
}

func TestEncodeWithNulls(t *testing.T) {
	d, err := NewKeysDescriptor(FixedWithNulls, []Field{
		{Offset: 1, Length: 2, Nullable: true, NullOffset: 0, NullBit: 1},
		{Offset: 3, Length: 2, Nullable: true, NullOffset: 0, NullBit: 2},
	})
	require.NoError(t, err)

	t.Run("非null字段前缀标志字节1", func(t *testing.T) {
		key, ok, err := d.EncodeRecord([]byte{0x00, 'a', 'b', 'c', 'd'})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{1, 'a', 'b', 1, 'c', 'd'}, key)
	})

	t.Run("null字段只留标志字节", func(t *testing.T) {
		key, ok, err := d.EncodeRecord([]byte{0x01, 'x', 'x', 'c', 'd'})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0, 1, 'c', 'd'}, key)

		// 内容不同的null记录归并为同一个键
		key2, _, err := d.EncodeRecord([]byte{0x01, 'y', 'y', 'c', 'd'})
		require.NoError(t, err)
		assert.Equal(t, key, key2)
	})
}

func TestEncodeGroupConcatSkipsNulls(t *testing.T) {
	d, err := NewKeysDescriptor(FixedGroupConcat, []Field{
		{Length: 4, Nullable: true, NullOffset: 4, NullBit: 1},
	})
	require.NoError(t, err)

	_, ok, err := d.EncodeRecord([]byte{'a', 'b', 'c', 'd', 0x01})
	require.NoError(t, err)
	assert.False(t, ok, "null记录整条短路")

	key, ok, err := d.EncodeRecord([]byte{'a', 'b', 'c', 'd', 0x00})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), key)
}

func TestEncodeVarKey(t *testing.T) {
	d, err := NewKeysDescriptor(VarSingle, []Field{{Length: 10, VarLen: true}})
	require.NoError(t, err)

	t.Run("带总长前缀和内层变长", func(t *testing.T) {
		rec := []byte{3, 0, 'f', 'o', 'o'}
		key, ok, err := d.EncodeRecord(rec)
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, key, varKeyPrefixLen+3)
		assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(key))
		assert.Equal(t, []byte("foo"), key[varKeyPrefixLen:])
	})

	t.Run("内层长度超上限报错", func(t *testing.T) {
		rec := make([]byte, 2+11)
		binary.LittleEndian.PutUint16(rec, 11)
		_, _, err := d.EncodeRecord(rec)
		assert.Error(t, err)
	})
}

func TestEncodeDecimal(t *testing.T) {
	d, err := NewKeysDescriptor(FixedSingle, []Field{
		{Length: 16, Decimal: true, Precision: 18, Scale: 2},
	})
	require.NoError(t, err)

	enc := func(s string) []byte {
		rec := make([]byte, 16)
		copy(rec, s)
		key, ok, err := d.EncodeRecord(rec)
		require.NoError(t, err)
		require.True(t, ok)
		return key
	}

	// 字节序即数值序
	vals := []string{"-120.5", "-3.25", "0", "1.5", "12.5", "800"}
	for i := 1; i < len(vals); i++ {
		assert.Negative(t, bytes.Compare(enc(vals[i-1]), enc(vals[i])),
			"%s should sort before %s", vals[i-1], vals[i])
	}

	t.Run("非法十进制报错", func(t *testing.T) {
		rec := make([]byte, 16)
		copy(rec, "not-a-number")
		_, _, err := d.EncodeRecord(rec)
		assert.Error(t, err)
	})

	t.Run("字段长度放不下8字节编码时构造报错", func(t *testing.T) {
		_, err := NewKeysDescriptor(FixedSingle, []Field{
			{Length: 6, Decimal: true, Precision: 10, Scale: 2},
		})
		assert.Error(t, err)
	})
}
