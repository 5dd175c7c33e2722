package unique

import (
	"bytes"
	"container/heap"
	"math"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// element 去重树里的一个键
type element struct {
	key   []byte
	count uint64
}

type treeItem struct {
	el *element
}

func (a treeItem) Less(b btree.Item) bool {
	return bytes.Compare(a.el.key, b.(treeItem).el.key) < 0
}

// treeElementOverhead 每个树节点除键外的管理开销
const treeElementOverhead = 24

// Unique 去重聚合树
//
// 键在内存树中累计，内存写满就按键序溢出成磁盘run，遍历时把全部
// run和内存树做多路归并，相同键的计数相加。
type Unique struct {
	desc *KeysDescriptor

	tree    *btree.BTree
	memUsed uint64
	maxMem  uint64

	withCounters bool
	minDuplCount uint64
	filteredOut  uint64

	spill  *spillStore
	closed bool
}

// NewUnique 创建去重树
//
// maxMem为内存树的字节预算，withCounters为真时相同键累计出现次数，
// minDuplCount大于0时出现次数不足的键在遍历时被过滤掉。
func NewUnique(desc *KeysDescriptor, maxMem uint64, withCounters bool,
	minDuplCount uint64, tmpdir string) *Unique {
	if maxMem < treeElementOverhead+uint64(desc.MaxKeyLen) {
		maxMem = treeElementOverhead + uint64(desc.MaxKeyLen)
	}
	return &Unique{
		desc:         desc,
		tree:         btree.New(16),
		maxMem:       maxMem,
		withCounters: withCounters || minDuplCount > 0,
		minDuplCount: minDuplCount,
		spill:        newSpillStore(tmpdir),
	}
}

// SpaceLeft 内存树剩余预算
func (u *Unique) SpaceLeft() uint64 {
	if u.memUsed >= u.maxMem {
		return 0
	}
	return u.maxMem - u.memUsed
}

// isFull 再插入一个键是否会超出预算
func (u *Unique) isFull(keyLen int) bool {
	return u.memUsed+treeElementOverhead+uint64(keyLen) > u.maxMem
}

// ElemsInTree 内存树中的键数
func (u *Unique) ElemsInTree() int {
	return u.tree.Len()
}

// FilteredOutElems 被重复数阈值过滤掉的键数
func (u *Unique) FilteredOutElems() uint64 {
	return u.filteredOut
}

// Add 抽取记录的去重键并插入
//
// 被null短路的记录直接跳过，不计入任何统计。
func (u *Unique) Add(rec []byte) error {
	key, ok, err := u.desc.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return u.AddKey(key)
}

// AddKey 插入一个编码好的键
func (u *Unique) AddKey(key []byte) error {
	probe := treeItem{el: &element{key: key}}
	if it := u.tree.Get(probe); it != nil {
		if u.withCounters {
			it.(treeItem).el.count++
		}
		return nil
	}
	if u.closed {
		// 扩展已关闭，只统计既有键
		return nil
	}
	if u.isFull(len(key)) {
		if err := u.flushToDisk(); err != nil {
			return err
		}
	}
	u.tree.ReplaceOrInsert(treeItem{el: &element{key: key, count: 1}})
	u.memUsed += treeElementOverhead + uint64(len(key))
	return nil
}

// CloseForExpansion 关闭扩展
//
// 之后的插入只为已存在的键累计计数，新键被忽略。配合重复数阈值
// 用来做只关心重复键的第二趟扫描。
func (u *Unique) CloseForExpansion() {
	u.closed = true
}

// flushToDisk 把内存树按键序溢出成一个run
func (u *Unique) flushToDisk() error {
	if u.tree.Len() == 0 {
		return nil
	}
	elems := make([]element, 0, u.tree.Len())
	u.tree.Ascend(func(i btree.Item) bool {
		elems = append(elems, *i.(treeItem).el)
		return true
	})
	if err := u.spill.writeRun(elems); err != nil {
		return err
	}
	u.tree.Clear(false)
	u.memUsed = 0
	return nil
}

// mergeCursor 归并时一个run上的游标
type mergeCursor struct {
	elems []element
	pos   int
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].elems[h[i].pos].key, h[j].elems[h[j].pos].key) < 0
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Walk 按键序遍历全部去重键
//
// 有溢出run时先把内存树落盘，再做多路归并；相同键的计数求和，
// 次数不足阈值的键被过滤并计数。回调返回false时提前结束。
func (u *Unique) Walk(fn func(key []byte, count uint64) bool) error {
	if len(u.spill.runs) == 0 {
		u.tree.Ascend(func(i btree.Item) bool {
			el := i.(treeItem).el
			if u.minDuplCount > 0 && el.count < u.minDuplCount {
				u.filteredOut++
				return true
			}
			return fn(el.key, el.count)
		})
		return nil
	}

	if err := u.flushToDisk(); err != nil {
		return err
	}

	h := make(mergeHeap, 0, len(u.spill.runs))
	for _, ptr := range u.spill.runs {
		elems, err := u.spill.readRun(ptr)
		if err != nil {
			return errors.Wrap(err, "merge spill runs")
		}
		if len(elems) > 0 {
			h = append(h, &mergeCursor{elems: elems})
		}
	}
	heap.Init(&h)

	var cur *element
	emit := func() bool {
		if cur == nil {
			return true
		}
		if u.minDuplCount > 0 && cur.count < u.minDuplCount {
			u.filteredOut++
			return true
		}
		return fn(cur.key, cur.count)
	}

	for h.Len() > 0 {
		c := h[0]
		el := &c.elems[c.pos]
		if cur != nil && bytes.Equal(cur.key, el.key) {
			cur.count += el.count
		} else {
			if !emit() {
				return nil
			}
			cur = &element{key: el.key, count: el.count}
		}
		c.pos++
		if c.pos >= len(c.elems) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	if !emit() {
		return nil
	}
	return nil
}

// Get 收集全部去重键
func (u *Unique) Get() ([][]byte, []uint64, error) {
	var keys [][]byte
	var counts []uint64
	err := u.Walk(func(key []byte, count uint64) bool {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		counts = append(counts, count)
		return true
	})
	return keys, counts, err
}

// Reset 清空树和溢出文件，复用于下一组数据
func (u *Unique) Reset() error {
	u.tree.Clear(false)
	u.memUsed = 0
	u.filteredOut = 0
	u.closed = false
	return u.spill.reset()
}

// Close 释放溢出文件
func (u *Unique) Close() error {
	return u.spill.reset()
}

// UseCost 估算用去重树处理nKeys个键的比较开销
//
// 树查找的代价与树高成正比，以2为底的对数换算到比较次数。
func UseCost(nKeys uint64, treeElems uint64, compareFactor float64) float64 {
	if nKeys == 0 || treeElems < 2 || compareFactor <= 0 {
		return 0
	}
	return float64(nKeys) * math.Log(float64(treeElems)) / (compareFactor * math.Ln2)
}
