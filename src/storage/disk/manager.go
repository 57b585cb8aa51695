package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var (
	ErrNoSuchPage   = errors.New("no such page")
	ErrUnknownFile  = errors.New("file is not registered")
	ErrFileConflict = errors.New("file id is already registered with another path")
)

// PageSize is the default page size. Tests may use smaller pages.
const PageSize = 4096

type fileEntry struct {
	path string

	// held while extending the file so concurrent appends get distinct pages
	growMu sync.Mutex
}

// Manager performs page-granular I/O on registered files. Every call opens
// its own handle, so reads and writes of different pages never share a file
// position.
type Manager struct {
	fs       afero.Fs
	pageSize int

	mu    sync.RWMutex
	files map[common.FileID]*fileEntry

	logger src.Logger
}

func New(fs afero.Fs, pageSize int) *Manager {
	assert.Assert(pageSize > 0, "page size must be positive, got %d", pageSize)

	return &Manager{
		fs:       fs,
		pageSize: pageSize,
		files:    map[common.FileID]*fileEntry{},
		logger:   zap.NewNop().Sugar(),
	}
}

func (m *Manager) SetLogger(logger src.Logger) {
	m.logger = logger
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

// Register associates fileID with path, creating the file if it is missing.
func (m *Manager) Register(fileID common.FileID, path string) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.files[fileID]; ok {
		if entry.path == path {
			return nil
		}
		return fmt.Errorf("%w: %d -> %s (requested %s)", ErrFileConflict, fileID, entry.path, path)
	}

	if err := m.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	file, err := m.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", path, err)
	}

	m.files[fileID] = &fileEntry{path: path}
	m.logger.Debugw("registered file", "file_id", fileID, "path", path)
	return nil
}

func (m *Manager) Path(fileID common.FileID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.files[fileID]
	if !ok {
		return "", false
	}
	return entry.path, true
}

func (m *Manager) entry(fileID common.FileID) (*fileEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFile, fileID)
	}
	return entry, nil
}

func (m *Manager) offset(pageID common.PageID) int64 {
	//nolint:gosec
	return int64(pageID) * int64(m.pageSize)
}

// ReadPage reads exactly one page. Reading past the end of the file or a
// short read yields ErrNoSuchPage.
func (m *Manager) ReadPage(pIdent common.PageIdentity) ([]byte, error) {
	entry, err := m.entry(pIdent.FileID)
	if err != nil {
		return nil, err
	}

	file, err := m.fs.Open(entry.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", entry.path, err)
	}
	defer file.Close()

	data := make([]byte, m.pageSize)
	n, err := file.ReadAt(data, m.offset(pIdent.PageID))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read page %s from %s: %w", pIdent, entry.path, err)
	}
	if n != m.pageSize {
		return nil, fmt.Errorf(
			"%w: page %s, read %d of %d bytes",
			ErrNoSuchPage,
			pIdent,
			n,
			m.pageSize,
		)
	}
	return data, nil
}

// WritePage overwrites an existing page. It never changes the file length.
func (m *Manager) WritePage(pIdent common.PageIdentity, data []byte) error {
	assert.Assert(
		len(data) == m.pageSize,
		"page %s: data size %d != page size %d",
		pIdent,
		len(data),
		m.pageSize,
	)

	entry, err := m.entry(pIdent.FileID)
	if err != nil {
		return err
	}

	numPages, err := m.numPages(entry)
	if err != nil {
		return err
	}
	if uint64(pIdent.PageID) >= numPages {
		return fmt.Errorf("%w: page %s, file has %d pages", ErrNoSuchPage, pIdent, numPages)
	}

	return m.writeAt(entry.path, data, m.offset(pIdent.PageID))
}

func (m *Manager) writeAt(path string, data []byte, offset int64) (err error) {
	file, err := m.fs.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err = file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write at file %s: %w", path, err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file %s: %w", path, err)
	}
	return nil
}

func (m *Manager) numPages(entry *fileEntry) (uint64, error) {
	info, err := m.fs.Stat(entry.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", entry.path, err)
	}

	size := uint64(info.Size()) //nolint:gosec
	ps := uint64(m.pageSize)    //nolint:gosec
	return (size + ps - 1) / ps, nil
}

// NumPages returns the file length in pages, rounded up.
func (m *Manager) NumPages(fileID common.FileID) (uint64, error) {
	entry, err := m.entry(fileID)
	if err != nil {
		return 0, err
	}

	return m.numPages(entry)
}

// AppendPage extends the file by one zeroed page and returns its index.
func (m *Manager) AppendPage(fileID common.FileID) (common.PageID, error) {
	entry, err := m.entry(fileID)
	if err != nil {
		return 0, err
	}

	entry.growMu.Lock()
	defer entry.growMu.Unlock()

	numPages, err := m.numPages(entry)
	if err != nil {
		return 0, err
	}

	pageID := common.PageID(numPages)
	if err := m.writeAt(entry.path, make([]byte, m.pageSize), m.offset(pageID)); err != nil {
		return 0, err
	}

	m.logger.Debugw("appended page", "file_id", fileID, "page_id", pageID)
	return pageID, nil
}
