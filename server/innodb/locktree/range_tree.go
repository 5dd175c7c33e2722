package locktree

import "github.com/google/btree"

// rangeTree 按左端点排序的区间集合
//
// selfread、selfwrite和borderwrite中的区间互不重叠；mainread汇集
// 所有事务的读区间，允许重叠，重叠时按持有者区分。
type rangeTree struct {
	t            *btree.BTree
	cmp          CompareFunc
	allowOverlap bool
}

type rtItem struct {
	r    *Range
	tree *rangeTree
}

func (a rtItem) Less(b btree.Item) bool {
	o := b.(rtItem)
	c := comparePoints(a.tree.cmp, a.r.Left, o.r.Left)
	if c != 0 {
		return c < 0
	}
	if a.tree.allowOverlap {
		return a.r.Owner < o.r.Owner
	}
	return false
}

func newRangeTree(cmp CompareFunc, allowOverlap bool) *rangeTree {
	return &rangeTree{
		t:            btree.New(16),
		cmp:          cmp,
		allowOverlap: allowOverlap,
	}
}

func (rt *rangeTree) size() int {
	return rt.t.Len()
}

func (rt *rangeTree) insert(r *Range) {
	rt.t.ReplaceOrInsert(rtItem{r: r, tree: rt})
}

func (rt *rangeTree) remove(r *Range) bool {
	return rt.t.Delete(rtItem{r: r, tree: rt}) != nil
}

// findOverlaps 收集与查询区间有交集的区间
func (rt *rangeTree) findOverlaps(q *Range) []*Range {
	var out []*Range
	rt.t.Ascend(func(i btree.Item) bool {
		r := i.(rtItem).r
		if comparePoints(rt.cmp, r.Left, q.Right) > 0 {
			return false
		}
		if comparePoints(rt.cmp, r.Right, q.Left) >= 0 {
			out = append(out, r)
		}
		return true
	})
	return out
}

// predecessor 左端点严格小于p的最大区间
func (rt *rangeTree) predecessor(p *Point) *Range {
	var out *Range
	pivot := rtItem{r: &Range{Left: p, Right: p}, tree: rt}
	rt.t.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		r := i.(rtItem).r
		if comparePoints(rt.cmp, r.Left, p) < 0 {
			out = r
			return false
		}
		return true
	})
	return out
}

// successor 左端点严格大于p的最小区间
func (rt *rangeTree) successor(p *Point) *Range {
	var out *Range
	pivot := rtItem{r: &Range{Left: p, Right: p, Owner: ^TXNID(0)}, tree: rt}
	rt.t.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		r := i.(rtItem).r
		if comparePoints(rt.cmp, r.Left, p) > 0 {
			out = r
			return false
		}
		return true
	})
	return out
}

// iterate 升序遍历，回调返回false时停止
func (rt *rangeTree) iterate(fn func(r *Range) bool) {
	rt.t.Ascend(func(i btree.Item) bool {
		return fn(i.(rtItem).r)
	})
}
