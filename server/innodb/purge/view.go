package purge

// ReadView MVCC读视图
//
// 快照创建时记录活跃事务集合。purge视图是所有视图中最老的一个的克隆，
// 任何对该视图不可见的已提交版本都可以被回收。
type ReadView struct {
	activeIDs    []uint64 // 创建视图时的活跃事务ID列表，升序
	minTrxID     uint64   // 活跃事务中最小的事务ID
	maxTrxID     uint64   // 系统将分配给下一个事务的ID
	creatorTrxID uint64   // 创建该视图的事务ID，0表示purge视图
}

// NewReadView 创建新的读视图
func NewReadView(activeIDs []uint64, minTrxID, maxTrxID, creatorTrxID uint64) *ReadView {
	ids := make([]uint64, len(activeIDs))
	copy(ids, activeIDs)
	return &ReadView{
		activeIDs:    ids,
		minTrxID:     minTrxID,
		maxTrxID:     maxTrxID,
		creatorTrxID: creatorTrxID,
	}
}

// Clone 复制视图内容
func (rv *ReadView) Clone(src *ReadView) {
	rv.activeIDs = append(rv.activeIDs[:0], src.activeIDs...)
	rv.minTrxID = src.minTrxID
	rv.maxTrxID = src.maxTrxID
	rv.creatorTrxID = src.creatorTrxID
}

// IsVisible 判断给定事务创建的版本是否对当前视图可见
func (rv *ReadView) IsVisible(trxID uint64) bool {
	// 本事务自己的修改总是可见
	if trxID == rv.creatorTrxID && trxID != 0 {
		return true
	}

	// 视图创建后才分配的事务不可见
	if trxID >= rv.maxTrxID {
		return false
	}

	// 早于所有活跃事务的修改可见
	if trxID < rv.minTrxID {
		return true
	}

	// 视图创建时仍活跃的事务不可见
	for _, activeID := range rv.activeIDs {
		if trxID == activeID {
			return false
		}
	}

	return true
}

// LowLimitNo 视图创建时已提交事务序号的上界
//
// 序号小于该值的已提交事务对任何比本视图新的视图都已可见。
func (rv *ReadView) LowLimitNo() uint64 {
	return rv.minTrxID
}

// GetMinTrxID 获取最小活跃事务ID
func (rv *ReadView) GetMinTrxID() uint64 {
	return rv.minTrxID
}

// GetMaxTrxID 获取下一个要分配的事务ID
func (rv *ReadView) GetMaxTrxID() uint64 {
	return rv.maxTrxID
}
