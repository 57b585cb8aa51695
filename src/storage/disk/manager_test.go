package disk

import (
	"bytes"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

const testPageSize = 128

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	m := New(fs, testPageSize)
	require.NoError(t, m.Register(1, "/data/t1.heap"))
	return m, fs
}

func TestManager_EmptyFile(t *testing.T) {
	m, fs := newTestManager(t)

	exists, err := afero.Exists(fs, "/data/t1.heap")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := m.NumPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	_, err = m.ReadPage(common.PageIdentity{FileID: 1, PageID: 0})
	assert.ErrorIs(t, err, ErrNoSuchPage)
}

func TestManager_AppendWriteRead(t *testing.T) {
	m, _ := newTestManager(t)

	p0, err := m.AppendPage(1)
	require.NoError(t, err)
	p1, err := m.AppendPage(1)
	require.NoError(t, err)
	assert.Equal(t, common.PageID(0), p0)
	assert.Equal(t, common.PageID(1), p1)

	n, err := m.NumPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	data := bytes.Repeat([]byte{0x5A}, testPageSize)
	pIdent := common.PageIdentity{FileID: 1, PageID: 1}
	require.NoError(t, m.WritePage(pIdent, data))

	got, err := m.ReadPage(pIdent)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = m.ReadPage(common.PageIdentity{FileID: 1, PageID: 0})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testPageSize), got)

	n, err = m.NumPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n, "overwriting a page must not grow the file")
}

func TestManager_WriteBeyondEnd(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.WritePage(common.PageIdentity{FileID: 1, PageID: 3}, make([]byte, testPageSize))
	assert.ErrorIs(t, err, ErrNoSuchPage)
}

func TestManager_PartialPage(t *testing.T) {
	m, fs := newTestManager(t)
	require.NoError(t, afero.WriteFile(fs, "/data/t1.heap", make([]byte, testPageSize+10), 0o600))

	n, err := m.NumPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	_, err = m.ReadPage(common.PageIdentity{FileID: 1, PageID: 1})
	assert.ErrorIs(t, err, ErrNoSuchPage)
}

func TestManager_Registration(t *testing.T) {
	m, _ := newTestManager(t)

	assert.NoError(t, m.Register(1, "/data/../data/t1.heap"))
	assert.ErrorIs(t, m.Register(1, "/data/other.heap"), ErrFileConflict)

	_, err := m.NumPages(2)
	assert.ErrorIs(t, err, ErrUnknownFile)

	path, ok := m.Path(1)
	assert.True(t, ok)
	assert.Equal(t, "/data/t1.heap", path)
}

func TestManager_ConcurrentAppend(t *testing.T) {
	m, _ := newTestManager(t)

	const workers = 16

	var (
		mu  sync.Mutex
		ids []int
		wg  sync.WaitGroup
	)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()

			id, err := m.AppendPage(1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids = append(ids, int(id))
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Ints(ids)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}

	n, err := m.NumPages(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers), n)
}

func TestManager_OsFs(t *testing.T) {
	dir := t.TempDir()
	m := New(afero.NewOsFs(), PageSize)
	require.NoError(t, m.Register(9, filepath.Join(dir, "nested", "t.heap")))

	pageID, err := m.AppendPage(9)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{1, 2, 3, 4}, PageSize/4)
	pIdent := common.PageIdentity{FileID: 9, PageID: pageID}
	require.NoError(t, m.WritePage(pIdent, data))

	got, err := m.ReadPage(pIdent)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
