package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

func ident(n uint64) common.PageIdentity {
	return common.PageIdentity{FileID: 1, PageID: common.PageID(n)}
}

func TestLRUReplacer(t *testing.T) {
	r := NewLRUReplacer(8)

	_, err := r.ChooseVictim()
	require.ErrorIs(t, err, ErrNoVictimAvailable)

	r.Unpin(ident(1))
	r.Unpin(ident(2))
	r.Unpin(ident(3))
	r.Unpin(ident(1)) // already evictable, keeps its position
	assert.Equal(t, uint64(3), r.GetSize())

	r.Pin(ident(2))
	assert.Equal(t, uint64(2), r.GetSize())

	victim, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(1), victim)

	r.Unpin(ident(2))
	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(3), victim)

	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(2), victim)

	_, err = r.ChooseVictim()
	assert.ErrorIs(t, err, ErrNoVictimAvailable)

	r.Pin(ident(42)) // unknown pages are ignored
	assert.Equal(t, uint64(0), r.GetSize())
}

func TestClockReplacer(t *testing.T) {
	r := NewClockReplacer()

	_, err := r.ChooseVictim()
	require.ErrorIs(t, err, ErrNoVictimAvailable)

	for i := range uint64(4) {
		r.Unpin(ident(i + 1))
	}
	assert.Equal(t, uint64(4), r.GetSize())

	// every page starts referenced: the first sweep clears the bits and the
	// oldest page goes first
	victim, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(1), victim)

	r.Pin(ident(3))
	assert.Equal(t, uint64(2), r.GetSize())

	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(2), victim)

	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(4), victim)

	_, err = r.ChooseVictim()
	assert.ErrorIs(t, err, ErrNoVictimAvailable)
}

func TestClockReplacer_SecondChance(t *testing.T) {
	r := NewClockReplacer()
	r.Unpin(ident(1))
	r.Unpin(ident(2))

	victim, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(1), victim)

	// page 3 is referenced while page 2 already lost its bit
	r.Unpin(ident(3))
	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(2), victim)

	victim, err = r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, ident(3), victim)
}
