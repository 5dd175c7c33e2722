package unique

import (
	"encoding/binary"
	"os"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// RunPtr 指向溢出文件中的一段有序run
type RunPtr struct {
	Offset int64  // 压缩块起点
	Elems  uint64 // run内的键数
}

// 压缩块头：原始长度(4) + 压缩长度(4) + xxhash64校验(8)
const runBlockHdr = 16

// spillStore 去重树的磁盘溢出存储
//
// 每次内存树写满就按键序落成一个run，块内用lz4压缩并带校验，
// 最终所有run与内存树做多路归并。
type spillStore struct {
	f      *os.File
	size   int64
	runs   []RunPtr
	tmpdir string
}

func newSpillStore(tmpdir string) *spillStore {
	return &spillStore{tmpdir: tmpdir}
}

// writeRun 把一批按键序排好的元素落成一个run
func (s *spillStore) writeRun(elems []element) error {
	if s.f == nil {
		f, err := os.CreateTemp(s.tmpdir, "unique-*.run")
		if err != nil {
			return errors.Wrap(err, "create spill file")
		}
		s.f = f
	}

	var raw []byte
	for i := range elems {
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(elems[i].key)))
		binary.LittleEndian.PutUint64(hdr[4:], elems[i].count)
		raw = append(raw, hdr[:]...)
		raw = append(raw, elems[i].key...)
	}

	comp := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, comp)
	if err != nil {
		return errors.Wrap(err, "compress spill run")
	}
	comp = comp[:n]

	var hdr [runBlockHdr]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(comp)))
	binary.LittleEndian.PutUint64(hdr[8:], xxhash.Checksum64(raw))

	off := s.size
	if _, err := s.f.WriteAt(hdr[:], off); err != nil {
		return errors.Wrap(err, "write spill run header")
	}
	if _, err := s.f.WriteAt(comp, off+runBlockHdr); err != nil {
		return errors.Wrap(err, "write spill run")
	}
	s.size = off + runBlockHdr + int64(len(comp))
	s.runs = append(s.runs, RunPtr{Offset: off, Elems: uint64(len(elems))})
	return nil
}

// readRun 解压并校验一个run
func (s *spillStore) readRun(ptr RunPtr) ([]element, error) {
	var hdr [runBlockHdr]byte
	if _, err := s.f.ReadAt(hdr[:], ptr.Offset); err != nil {
		return nil, errors.Wrap(err, "read spill run header")
	}
	rawLen := binary.LittleEndian.Uint32(hdr[0:])
	compLen := binary.LittleEndian.Uint32(hdr[4:])
	sum := binary.LittleEndian.Uint64(hdr[8:])

	comp := make([]byte, compLen)
	if _, err := s.f.ReadAt(comp, ptr.Offset+runBlockHdr); err != nil {
		return nil, errors.Wrap(err, "read spill run")
	}
	raw := make([]byte, rawLen)
	if _, err := lz4.UncompressBlock(comp, raw); err != nil {
		return nil, errors.Wrap(err, "decompress spill run")
	}
	if xxhash.Checksum64(raw) != sum {
		return nil, errors.Errorf("spill run at %d: checksum mismatch", ptr.Offset)
	}

	elems := make([]element, 0, ptr.Elems)
	for off := 0; off < len(raw); {
		keyLen := binary.LittleEndian.Uint32(raw[off:])
		count := binary.LittleEndian.Uint64(raw[off+4:])
		off += 12
		key := make([]byte, keyLen)
		copy(key, raw[off:off+int(keyLen)])
		off += int(keyLen)
		elems = append(elems, element{key: key, count: count})
	}
	return elems, nil
}

// reset 丢弃全部run
func (s *spillStore) reset() error {
	s.runs = nil
	s.size = 0
	if s.f != nil {
		name := s.f.Name()
		s.f.Close()
		s.f = nil
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove spill file")
		}
	}
	return nil
}
