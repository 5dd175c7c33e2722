package locktree

import "bytes"

// TXNID 事务标识
type TXNID uint64

// CompareFunc 键比较函数
type CompareFunc func(a, b []byte) int

// Point 锁区间的端点
//
// 无穷端点是全局单例，比较时按身份识别，不看键内容。
type Point struct {
	key []byte
	inf int // -1负无穷，0普通键，+1正无穷
}

// NegInf 负无穷端点
var NegInf = &Point{inf: -1}

// PosInf 正无穷端点
var PosInf = &Point{inf: 1}

// NewPoint 普通键端点
func NewPoint(key []byte) *Point {
	k := make([]byte, len(key))
	copy(k, key)
	return &Point{key: k}
}

// Key 端点的键，无穷端点返回nil
func (p *Point) Key() []byte {
	return p.key
}

// IsInfinite 是否为无穷端点
func (p *Point) IsInfinite() bool {
	return p.inf != 0
}

// comparePoints 端点全序比较
func comparePoints(cmp CompareFunc, a, b *Point) int {
	if a == b {
		return 0
	}
	if a.inf != 0 || b.inf != 0 {
		if a.inf < b.inf {
			return -1
		}
		if a.inf > b.inf {
			return 1
		}
		return 0
	}
	if cmp != nil {
		return cmp(a.key, b.key)
	}
	return bytes.Compare(a.key, b.key)
}

// Range 一段闭区间锁
type Range struct {
	Left  *Point
	Right *Point
	Owner TXNID
}

// isPoint 区间是否退化为单点
func (r *Range) isPoint(cmp CompareFunc) bool {
	return comparePoints(cmp, r.Left, r.Right) == 0
}
