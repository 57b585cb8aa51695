package page

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

var (
	ErrPageFull     = errors.New("no empty slots left on page")
	ErrSlotEmpty    = errors.New("slot is empty")
	ErrWrongPage    = errors.New("record is not located on this page")
	ErrInvalidSlot  = errors.New("slot index out of range")
	ErrBadPageSize  = errors.New("page data has unexpected size")
	ErrTupleTooWide = errors.New("tuple does not fit into a page")
)

// SlotsPerPage is the number of tuples fitting into a page: each slot costs
// tupleSize bytes plus one header bit.
func SlotsPerPage(pageSize, tupleSize int) int {
	return (pageSize * 8) / (tupleSize*8 + 1)
}

// HeaderSize is the size of the slot bitmap in bytes.
func HeaderSize(numSlots int) int {
	return (numSlots + 7) / 8
}

// EmptyPageData returns the on-disk image of a page without tuples.
func EmptyPageData(pageSize int) []byte {
	return make([]byte, pageSize)
}

// HeapPage is the in-memory form of a heap file page:
//
//	[slot bitmap: ceil(numSlots/8) bytes][slot 0]...[slot numSlots-1][zero padding]
//
// Bit i%8 of byte i/8 is set iff slot i holds a tuple.
type HeapPage struct {
	latch sync.RWMutex

	ident    common.PageIdentity
	schema   storage.Schema
	pageSize int
	numSlots int

	header []byte
	slots  [][]storage.Field

	dirty   bool
	dirtier common.TxnID

	beforeImage []byte
}

func NewHeapPage(
	ident common.PageIdentity,
	schema storage.Schema,
	data []byte,
) (*HeapPage, error) {
	tupleSize := schema.TupleSize()
	numSlots := SlotsPerPage(len(data), tupleSize)
	if numSlots == 0 {
		return nil, fmt.Errorf(
			"%w: tuple size %d, page size %d",
			ErrTupleTooWide,
			tupleSize,
			len(data),
		)
	}

	p := &HeapPage{
		ident:    ident,
		schema:   schema,
		pageSize: len(data),
		numSlots: numSlots,
	}
	if err := p.load(data); err != nil {
		return nil, err
	}
	p.beforeImage = append([]byte(nil), data...)
	return p, nil
}

func (p *HeapPage) load(data []byte) error {
	if len(data) != p.pageSize {
		return fmt.Errorf("%w: %d != %d", ErrBadPageSize, len(data), p.pageSize)
	}

	headerSize := HeaderSize(p.numSlots)
	tupleSize := p.schema.TupleSize()

	header := append([]byte(nil), data[:headerSize]...)
	slots := make([][]storage.Field, p.numSlots)
	for i := range p.numSlots {
		if header[i/8]&(1<<(i%8)) == 0 {
			continue
		}

		offset := headerSize + i*tupleSize
		fields, err := storage.DecodeTuple(data[offset:offset+tupleSize], p.schema)
		if err != nil {
			return fmt.Errorf("page %s, slot %d: %w", p.ident, i, err)
		}
		slots[i] = fields
	}

	p.header = header
	p.slots = slots
	return nil
}

func (p *HeapPage) ID() common.PageIdentity {
	return p.ident
}

func (p *HeapPage) Schema() storage.Schema {
	return p.schema
}

func (p *HeapPage) NumSlots() int {
	return p.numSlots
}

// GetData serializes the page into exactly pageSize bytes.
func (p *HeapPage) GetData() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.serialize()
}

func (p *HeapPage) serialize() []byte {
	data := make([]byte, p.pageSize)
	headerSize := copy(data, p.header)
	tupleSize := p.schema.TupleSize()

	for i, fields := range p.slots {
		if fields == nil {
			continue
		}
		offset := headerSize + i*tupleSize
		storage.EncodeTuple(data[offset:offset+tupleSize], p.schema, fields)
	}
	return data
}

func (p *HeapPage) isSlotUsed(slot int) bool {
	return p.header[slot/8]&(1<<(slot%8)) != 0
}

func (p *HeapPage) setSlot(slot int, used bool) {
	if used {
		p.header[slot/8] |= 1 << (slot % 8)
	} else {
		p.header[slot/8] &^= 1 << (slot % 8)
	}
}

func (p *HeapPage) IsSlotUsed(slot int) bool {
	p.latch.RLock()
	defer p.latch.RUnlock()

	if slot < 0 || slot >= p.numSlots {
		return false
	}
	return p.isSlotUsed(slot)
}

func (p *HeapPage) NumEmptySlots() int {
	p.latch.RLock()
	defer p.latch.RUnlock()

	empty := 0
	for i := range p.numSlots {
		if !p.isSlotUsed(i) {
			empty++
		}
	}
	return empty
}

// InsertTuple stores fields into the first free slot.
func (p *HeapPage) InsertTuple(fields []storage.Field) (common.RecordID, error) {
	if err := p.schema.Validate(fields); err != nil {
		return common.RecordID{}, err
	}

	p.latch.Lock()
	defer p.latch.Unlock()

	for i := range p.numSlots {
		if p.isSlotUsed(i) {
			continue
		}

		p.setSlot(i, true)
		p.slots[i] = append([]storage.Field(nil), fields...)
		//nolint:gosec
		return common.NewRecordID(p.ident, uint16(i)), nil
	}
	return common.RecordID{}, fmt.Errorf("%w: page %s", ErrPageFull, p.ident)
}

// DeleteTuple frees the slot referenced by rid.
func (p *HeapPage) DeleteTuple(rid common.RecordID) error {
	if rid.PageIdentity() != p.ident {
		return fmt.Errorf("%w: %s is not on page %s", ErrWrongPage, rid, p.ident)
	}

	p.latch.Lock()
	defer p.latch.Unlock()

	slot := int(rid.SlotNum)
	if slot >= p.numSlots {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidSlot, slot, p.numSlots)
	}
	if !p.isSlotUsed(slot) {
		return fmt.Errorf("%w: tuple slot %d", ErrSlotEmpty, slot)
	}

	p.setSlot(slot, false)
	p.slots[slot] = nil
	return nil
}

// Tuple returns the tuple stored in slot, if any.
func (p *HeapPage) Tuple(slot int) (storage.Tuple, bool) {
	p.latch.RLock()
	defer p.latch.RUnlock()

	if slot < 0 || slot >= p.numSlots || !p.isSlotUsed(slot) {
		return storage.Tuple{}, false
	}
	//nolint:gosec
	return storage.NewTuple(common.NewRecordID(p.ident, uint16(slot)), p.slots[slot]...), true
}

// Tuples returns a snapshot of the valid tuples in slot order.
func (p *HeapPage) Tuples() []storage.Tuple {
	p.latch.RLock()
	defer p.latch.RUnlock()

	tuples := make([]storage.Tuple, 0, p.numSlots)
	for i, fields := range p.slots {
		if fields == nil {
			continue
		}
		//nolint:gosec
		rid := common.NewRecordID(p.ident, uint16(i))
		tuples = append(tuples, storage.NewTuple(rid, fields...))
	}
	return tuples
}

// MarkDirty records whether the page differs from its on-disk image and
// which transaction made it so.
func (p *HeapPage) MarkDirty(dirty bool, txnID common.TxnID) {
	p.latch.Lock()
	defer p.latch.Unlock()

	p.dirty = dirty
	if dirty {
		p.dirtier = txnID
	} else {
		p.dirtier = common.NilTxnID
	}
}

// Dirtier returns the transaction that last dirtied the page.
// ok is false for clean pages.
func (p *HeapPage) Dirtier() (txnID common.TxnID, ok bool) {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.dirtier, p.dirty
}

func (p *HeapPage) IsDirty() bool {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.dirty
}

// SetBeforeImage makes the current content the image RestoreBeforeImage
// reverts to. Called once the content is committed.
func (p *HeapPage) SetBeforeImage() {
	p.latch.Lock()
	defer p.latch.Unlock()

	p.beforeImage = p.serialize()
}

func (p *HeapPage) BeforeImage() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return append([]byte(nil), p.beforeImage...)
}

// RestoreBeforeImage drops every change made since the last SetBeforeImage
// and clears the dirty flag.
func (p *HeapPage) RestoreBeforeImage() {
	p.latch.Lock()
	defer p.latch.Unlock()

	// the before-image was produced by load or serialize, so it always decodes
	assert.NoError(p.load(p.beforeImage))

	p.dirty = false
	p.dirtier = common.NilTxnID
}

// ResetTo replaces the whole content with data, which becomes the new
// before-image. The page is clean afterwards.
func (p *HeapPage) ResetTo(data []byte) error {
	p.latch.Lock()
	defer p.latch.Unlock()

	if err := p.load(data); err != nil {
		return err
	}
	p.beforeImage = append([]byte(nil), data...)
	p.dirty = false
	p.dirtier = common.NilTxnID
	return nil
}
