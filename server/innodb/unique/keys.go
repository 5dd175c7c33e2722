package unique

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// KeyKind 键描述符的变体
type KeyKind int

const (
	// FixedSingle 单个定长字段，按原始字节比较
	FixedSingle KeyKind = iota
	// FixedSingleMemCmp 单个定长字段，编码成可按memcmp排序的形式
	FixedSingleMemCmp
	// FixedRowId 行ID，定长无null
	FixedRowId
	// FixedWithNulls 定长字段带null标志字节
	FixedWithNulls
	// FixedGroupConcat 定长字段，GROUP_CONCAT(DISTINCT)用，null短路
	FixedGroupConcat
	// FixedComposite 多个定长字段拼接
	FixedComposite
	// VarSingle 单个变长字段，带长度前缀
	VarSingle
	// VarComposite 多个变长字段拼接，带长度前缀
	VarComposite
	// VarCompositeGConcat 变长组合，GROUP_CONCAT(DISTINCT)用
	VarCompositeGConcat
)

// Field 参与去重键的一个字段在记录里的布局
type Field struct {
	Offset uint32
	Length uint32 // 定长字段的长度，变长字段的上限

	Nullable   bool
	NullOffset uint32 // null标志位所在字节
	NullBit    byte

	// 变长字段在记录内带2字节长度前缀
	VarLen bool

	// 十进制字段需要转换成可排序编码
	Decimal   bool
	Precision int32
	Scale     int32
}

// isNull 记录中该字段是否为null
func (f *Field) isNull(rec []byte) bool {
	if !f.Nullable {
		return false
	}
	return rec[f.NullOffset]&f.NullBit != 0
}

// KeysDescriptor 从记录里抽取并编码去重键
type KeysDescriptor struct {
	Kind   KeyKind
	Fields []Field

	// MaxKeyLen 编码后键的长度上限，变长变体含4字节长度前缀
	MaxKeyLen uint32
}

// 变长键的长度前缀
const varKeyPrefixLen = 4

// NewKeysDescriptor 构造键描述符并计算键长上限
func NewKeysDescriptor(kind KeyKind, fields []Field) (*KeysDescriptor, error) {
	if len(fields) == 0 {
		return nil, errors.New("keys descriptor needs at least one field")
	}
	switch kind {
	case FixedSingle, FixedSingleMemCmp, FixedRowId, FixedGroupConcat, VarSingle:
		if len(fields) != 1 {
			return nil, errors.Errorf("key kind %d takes exactly one field", kind)
		}
	}
	d := &KeysDescriptor{Kind: kind, Fields: fields}
	var total uint32
	for i := range fields {
		// 十进制编码固定占8字节，字段长度不够放不下
		if fields[i].Decimal && fields[i].Length < 8 {
			return nil, errors.Errorf("decimal field length %d below sortable encoding size 8",
				fields[i].Length)
		}
		total += fields[i].Length
		if d.withNullBytes() && fields[i].Nullable {
			total++
		}
	}
	if d.variable() {
		total += varKeyPrefixLen
	}
	d.MaxKeyLen = total
	return d, nil
}

// IsSingleArg 是否为单字段变体
func (d *KeysDescriptor) IsSingleArg() bool {
	return len(d.Fields) == 1
}

// IsVariableSized 编码后的键是否变长
func (d *KeysDescriptor) IsVariableSized() bool {
	return d.variable()
}

// LengthOf 一个编码键占用的字节数
func (d *KeysDescriptor) LengthOf(key []byte) int {
	if d.variable() {
		return varKeyPrefixLen + int(binary.LittleEndian.Uint32(key))
	}
	return int(d.MaxKeyLen)
}

// Compare 两个编码键的序，与树内排序一致
func (d *KeysDescriptor) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (d *KeysDescriptor) variable() bool {
	switch d.Kind {
	case VarSingle, VarComposite, VarCompositeGConcat:
		return true
	}
	return false
}

func (d *KeysDescriptor) withNullBytes() bool {
	return d.Kind == FixedWithNulls
}

// skipNulls 含null字段的记录整条跳过
func (d *KeysDescriptor) skipNulls() bool {
	switch d.Kind {
	case FixedGroupConcat, VarCompositeGConcat:
		return true
	}
	return false
}

// sortableDecimal 把十进制字段编码成字节序可比较的形式
//
// 前缀一个符号字节，负数按补值编码保证小数在前。
func sortableDecimal(raw []byte, length uint32) ([]byte, error) {
	dec, err := decimal.NewFromString(string(trimZero(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "decode decimal key")
	}
	out := make([]byte, length)
	scaled := dec.Shift(16).IntPart()
	v := uint64(scaled) ^ (1 << 63) // 符号位翻转后无符号比较即数值序
	binary.BigEndian.PutUint64(out[:8], v)
	return out, nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// EncodeRecord 从记录编码出去重键
//
// 返回ok=false表示该记录被null短路跳过，不参与聚合。
func (d *KeysDescriptor) EncodeRecord(rec []byte) ([]byte, bool, error) {
	key := make([]byte, 0, d.MaxKeyLen)
	if d.variable() {
		key = append(key, 0, 0, 0, 0)
	}

	for i := range d.Fields {
		f := &d.Fields[i]
		null := f.isNull(rec)

		if null && d.skipNulls() {
			return nil, false, nil
		}

		if d.withNullBytes() && f.Nullable {
			if null {
				key = append(key, 0)
				// null字段不追加内容，保证所有null归并为一个键
				continue
			}
			key = append(key, 1)
		} else if null {
			// 不记录null标志的变体把null当作全零键
			key = append(key, make([]byte, f.Length)...)
			continue
		}

		var raw []byte
		if f.VarLen {
			n := uint32(binary.LittleEndian.Uint16(rec[f.Offset:]))
			if n > f.Length {
				return nil, false, errors.Errorf("field length %d exceeds max %d", n, f.Length)
			}
			raw = rec[f.Offset+2 : f.Offset+2+n]
		} else {
			raw = rec[f.Offset : f.Offset+f.Length]
		}

		switch {
		case f.Decimal:
			enc, err := sortableDecimal(raw, f.Length)
			if err != nil {
				return nil, false, err
			}
			key = append(key, enc...)
		case d.Kind == FixedSingleMemCmp && !f.VarLen && f.Length == 8:
			// 小端整数翻转成大端并翻符号位，memcmp即数值序
			v := binary.LittleEndian.Uint64(raw) ^ (1 << 63)
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v)
			key = append(key, buf[:]...)
		default:
			key = append(key, raw...)
		}
	}

	if d.variable() {
		binary.LittleEndian.PutUint32(key[:varKeyPrefixLen], uint32(len(key)-varKeyPrefixLen))
	}
	return key, true, nil
}
