package util

// 页面内定点读写工具
//
// 页面代码需要在固定偏移处读写小端整数，这里提供At系列的读写函数。

// ReadUB2At 在指定偏移处读取2字节小端整数
func ReadUB2At(buff []byte, off uint32) uint16 {
	return uint16(buff[off]) | uint16(buff[off+1])<<8
}

// ReadUB4At 在指定偏移处读取4字节小端整数
func ReadUB4At(buff []byte, off uint32) uint32 {
	return uint32(buff[off]) | uint32(buff[off+1])<<8 |
		uint32(buff[off+2])<<16 | uint32(buff[off+3])<<24
}

// ReadUB8At 在指定偏移处读取8字节小端整数
func ReadUB8At(buff []byte, off uint32) uint64 {
	return uint64(buff[off]) | uint64(buff[off+1])<<8 |
		uint64(buff[off+2])<<16 | uint64(buff[off+3])<<24 |
		uint64(buff[off+4])<<32 | uint64(buff[off+5])<<40 |
		uint64(buff[off+6])<<48 | uint64(buff[off+7])<<56
}

// WriteUB2At 在指定偏移处写入2字节小端整数
func WriteUB2At(buff []byte, off uint32, i uint16) {
	buff[off] = byte(i & 0xFF)
	buff[off+1] = byte((i >> 8) & 0xFF)
}

// WriteUB4At 在指定偏移处写入4字节小端整数
func WriteUB4At(buff []byte, off uint32, i uint32) {
	buff[off] = byte(i & 0xFF)
	buff[off+1] = byte((i >> 8) & 0xFF)
	buff[off+2] = byte((i >> 16) & 0xFF)
	buff[off+3] = byte((i >> 24) & 0xFF)
}

// WriteUB8At 在指定偏移处写入8字节小端整数
func WriteUB8At(buff []byte, off uint32, i uint64) {
	buff[off] = byte(i & 0xFF)
	buff[off+1] = byte((i >> 8) & 0xFF)
	buff[off+2] = byte((i >> 16) & 0xFF)
	buff[off+3] = byte((i >> 24) & 0xFF)
	buff[off+4] = byte((i >> 32) & 0xFF)
	buff[off+5] = byte((i >> 40) & 0xFF)
	buff[off+6] = byte((i >> 48) & 0xFF)
	buff[off+7] = byte((i >> 56) & 0xFF)
}

// MemsetAt 将指定区间填充为同一字节
func MemsetAt(buff []byte, off uint32, length uint32, b byte) {
	for i := off; i < off+length; i++ {
		buff[i] = b
	}
}
