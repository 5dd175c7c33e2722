package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageCodec(t *testing.T) {
	buff := make([]byte, 32)

	t.Run("小端读写回环", func(t *testing.T) {
		WriteUB2At(buff, 1, 0xbeef)
		WriteUB4At(buff, 3, 0xdeadbeef)
		WriteUB8At(buff, 7, 0x0102030405060708)
		assert.Equal(t, uint16(0xbeef), ReadUB2At(buff, 1))
		assert.Equal(t, uint32(0xdeadbeef), ReadUB4At(buff, 3))
		assert.Equal(t, uint64(0x0102030405060708), ReadUB8At(buff, 7))
	})

	t.Run("字节序", func(t *testing.T) {
		WriteUB4At(buff, 16, 0x11223344)
		assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buff[16:20])
		assert.Equal(t, uint16(0x3344), ReadUB2At(buff, 16))
	})

	t.Run("区间填充", func(t *testing.T) {
		MemsetAt(buff, 20, 4, 0xaa)
		assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, buff[20:24])
		assert.Zero(t, buff[24])
	})
}
