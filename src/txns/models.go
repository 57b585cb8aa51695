package txns

import (
	"fmt"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

type TaggedType[T any] struct{ v T } // this trick forbids casting one lock mode to another

type PageLockMode TaggedType[uint8]

type DatabaseLock[Lock any] interface {
	fmt.Stringer
	Compatible(Lock) bool
	Combine(Lock) Lock
	WeakerOrEqual(Lock) bool
}

var (
	PageLockShared    PageLockMode = PageLockMode{0}
	PageLockExclusive PageLockMode = PageLockMode{1}
)

var _ DatabaseLock[PageLockMode] = PageLockMode{0}

func (m PageLockMode) String() string {
	switch m {
	case PageLockShared:
		return "SHARED"
	case PageLockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("PageLockMode(%d)", m.v)
	}
}

func (m PageLockMode) Compatible(other PageLockMode) bool {
	return m == PageLockShared && other == PageLockShared
}

func (m PageLockMode) Combine(to PageLockMode) PageLockMode {
	switch m {
	case PageLockShared:
		switch to {
		case PageLockShared:
			return PageLockShared
		case PageLockExclusive:
			return PageLockExclusive
		}
	case PageLockExclusive:
		return PageLockExclusive
	}

	assert.Assert(false, "unreachable: %s combined with %s", m, to)
	return m
}

func (m PageLockMode) WeakerOrEqual(other PageLockMode) bool {
	switch m {
	case PageLockShared:
		return true
	case PageLockExclusive:
		return other == PageLockExclusive
	}

	assert.Assert(false, "unreachable: %s", m)
	return false
}

type TxnLockRequest struct {
	txnID    common.TxnID
	pIdent   common.PageIdentity
	lockMode PageLockMode
}

func NewTxnLockRequest(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
) TxnLockRequest {
	return TxnLockRequest{
		txnID:    txnID,
		pIdent:   pIdent,
		lockMode: lockMode,
	}
}

func (r TxnLockRequest) String() string {
	return fmt.Sprintf("txn %d wants %s on %s", r.txnID, r.lockMode, r.pIdent)
}
