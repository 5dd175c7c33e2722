package purge

import (
	"github.com/juju/errors"

	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
)

// CreateUndoTablespace 创建一个undo表空间并初始化回滚段
//
// 表空间首页写FSP头，随后为每个回滚段分配段头页并注册到事务系统。
func CreateUndoTablespace(bp *buffer_pool.BufferPool, ts *TrxSys,
	spaceID uint32, rsegBase uint32, nRsegs int) (*buffer_pool.Space, []*Rseg, error) {

	space := buffer_pool.NewSpace(spaceID, common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES)

	m := mtr.New(bp)
	m.Start()
	if err := FspHeaderInit(m, space, common.SRV_UNDO_TABLESPACE_SIZE_IN_PAGES); err != nil {
		m.Commit()
		return nil, nil, errors.Annotatef(err, "init undo tablespace %d", spaceID)
	}

	rsegs := make([]*Rseg, 0, nRsegs)
	for i := 0; i < nRsegs; i++ {
		pageNo, err := fspAllocPage(m, space)
		if err != nil {
			m.Commit()
			return nil, nil, errors.Annotatef(err, "alloc rseg page in space %d", spaceID)
		}
		r := NewRseg(rsegBase+uint32(i), space, pageNo)
		if err := r.HeaderInit(m); err != nil {
			m.Commit()
			return nil, nil, errors.Annotatef(err, "init rseg %d", rsegBase+uint32(i))
		}
		ts.RegisterRseg(r)
		rsegs = append(rsegs, r)
	}
	m.Commit()
	return space, rsegs, nil
}
