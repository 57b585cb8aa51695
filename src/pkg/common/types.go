package common

import (
	"errors"
	"fmt"
)

type TxnID uint64

// NilTxnID marks the absence of a transaction, e.g. a page that nobody
// dirtied or that was dirtied by a maintenance path.
const NilTxnID = TxnID(0)

type FileID uint64

type PageID uint64

type PageIdentity struct {
	FileID FileID `json:"file_id"`
	PageID PageID `json:"page_id"`
}

func (p PageIdentity) String() string {
	return fmt.Sprintf("(file=%d, page=%d)", p.FileID, p.PageID)
}

type RecordID struct {
	FileID  FileID `json:"file_id"`
	PageID  PageID `json:"page_id"`
	SlotNum uint16 `json:"slot_num"`
}

func NewRecordID(pIdent PageIdentity, slot uint16) RecordID {
	return RecordID{
		FileID:  pIdent.FileID,
		PageID:  pIdent.PageID,
		SlotNum: slot,
	}
}

func (r RecordID) PageIdentity() PageIdentity {
	return PageIdentity{
		FileID: r.FileID,
		PageID: r.PageID,
	}
}

func (r RecordID) String() string {
	return fmt.Sprintf("(file=%d, page=%d, slot=%d)", r.FileID, r.PageID, r.SlotNum)
}

// ErrTxnAborted is wrapped by every error after which the owning
// transaction can only be aborted.
var ErrTxnAborted = errors.New("transaction must be aborted")
