package purge

import (
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/common"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/buffer_pool"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/server/innodb/mtr"
	"github.com/hkust-comp4981-di2-2023/mariadb-server/util"
)

// Addr 页内地址，页号加页内偏移
type Addr struct {
	Page    uint32
	Boffset uint32
}

// AddrNull 空地址
var AddrNull = Addr{Page: common.FIL_NULL, Boffset: 0}

// IsNull 地址是否为空
func (a Addr) IsNull() bool {
	return a.Page == common.FIL_NULL
}

func readAddr(page []byte, off uint32) Addr {
	return Addr{
		Page:    util.ReadUB4At(page, off+common.FIL_ADDR_PAGE),
		Boffset: uint32(util.ReadUB2At(page, off+common.FIL_ADDR_BYTE)),
	}
}

func writeAddr(m *mtr.Mtr, f *buffer_pool.Frame, off uint32, addr Addr) {
	m.Write4(f, off+common.FIL_ADDR_PAGE, addr.Page)
	m.Write2(f, off+common.FIL_ADDR_BYTE, uint16(addr.Boffset))
}

// FlstInit 初始化一个flst基节点
func FlstInit(m *mtr.Mtr, f *buffer_pool.Frame, baseOff uint32) {
	m.Write4(f, baseOff+common.FLST_LEN, 0)
	writeAddr(m, f, baseOff+common.FLST_FIRST, AddrNull)
	writeAddr(m, f, baseOff+common.FLST_LAST, AddrNull)
}

// FlstGetLen 读基节点长度
func FlstGetLen(f *buffer_pool.Frame, baseOff uint32) uint32 {
	return util.ReadUB4At(f.Data(), baseOff+common.FLST_LEN)
}

// FlstGetFirst 读链表首节点地址
func FlstGetFirst(f *buffer_pool.Frame, baseOff uint32) Addr {
	return readAddr(f.Data(), baseOff+common.FLST_FIRST)
}

// FlstGetLast 读链表尾节点地址
func FlstGetLast(f *buffer_pool.Frame, baseOff uint32) Addr {
	return readAddr(f.Data(), baseOff+common.FLST_LAST)
}

// FlstGetPrev 读节点的前驱地址
func FlstGetPrev(f *buffer_pool.Frame, nodeOff uint32) Addr {
	return readAddr(f.Data(), nodeOff+common.FLST_PREV)
}

// FlstGetNext 读节点的后继地址
func FlstGetNext(f *buffer_pool.Frame, nodeOff uint32) Addr {
	return readAddr(f.Data(), nodeOff+common.FLST_NEXT)
}

// FlstAddFirst 把节点插到链表头部
//
// 基节点和新节点所在页面必须已在mtr中以排他方式登记。
func FlstAddFirst(m *mtr.Mtr, space *buffer_pool.Space,
	base *buffer_pool.Frame, baseOff uint32,
	node *buffer_pool.Frame, nodeOff uint32) error {

	nodeAddr := Addr{Page: node.ID().PageNo, Boffset: nodeOff}
	oldFirst := FlstGetFirst(base, baseOff)

	writeAddr(m, node, nodeOff+common.FLST_PREV, AddrNull)
	writeAddr(m, node, nodeOff+common.FLST_NEXT, oldFirst)

	if !oldFirst.IsNull() {
		of, err := m.GetPageX(space, oldFirst.Page)
		if err != nil {
			return err
		}
		writeAddr(m, of, oldFirst.Boffset+common.FLST_PREV, nodeAddr)
	} else {
		writeAddr(m, base, baseOff+common.FLST_LAST, nodeAddr)
	}

	writeAddr(m, base, baseOff+common.FLST_FIRST, nodeAddr)
	m.Write4(base, baseOff+common.FLST_LEN, FlstGetLen(base, baseOff)+1)
	return nil
}

// FlstAddLast 把节点插到链表尾部
func FlstAddLast(m *mtr.Mtr, space *buffer_pool.Space,
	base *buffer_pool.Frame, baseOff uint32,
	node *buffer_pool.Frame, nodeOff uint32) error {

	nodeAddr := Addr{Page: node.ID().PageNo, Boffset: nodeOff}
	oldLast := FlstGetLast(base, baseOff)

	writeAddr(m, node, nodeOff+common.FLST_PREV, oldLast)
	writeAddr(m, node, nodeOff+common.FLST_NEXT, AddrNull)

	if !oldLast.IsNull() {
		ol, err := m.GetPageX(space, oldLast.Page)
		if err != nil {
			return err
		}
		writeAddr(m, ol, oldLast.Boffset+common.FLST_NEXT, nodeAddr)
	} else {
		writeAddr(m, base, baseOff+common.FLST_FIRST, nodeAddr)
	}

	writeAddr(m, base, baseOff+common.FLST_LAST, nodeAddr)
	m.Write4(base, baseOff+common.FLST_LEN, FlstGetLen(base, baseOff)+1)
	return nil
}

// FlstRemove 把节点从链表中摘除
func FlstRemove(m *mtr.Mtr, space *buffer_pool.Space,
	base *buffer_pool.Frame, baseOff uint32,
	node *buffer_pool.Frame, nodeOff uint32) error {

	prev := FlstGetPrev(node, nodeOff)
	next := FlstGetNext(node, nodeOff)

	if !prev.IsNull() {
		pf, err := m.GetPageX(space, prev.Page)
		if err != nil {
			return err
		}
		writeAddr(m, pf, prev.Boffset+common.FLST_NEXT, next)
	} else {
		writeAddr(m, base, baseOff+common.FLST_FIRST, next)
	}

	if !next.IsNull() {
		nf, err := m.GetPageX(space, next.Page)
		if err != nil {
			return err
		}
		writeAddr(m, nf, next.Boffset+common.FLST_PREV, prev)
	} else {
		writeAddr(m, base, baseOff+common.FLST_LAST, prev)
	}

	m.Write4(base, baseOff+common.FLST_LEN, FlstGetLen(base, baseOff)-1)
	return nil
}
