package bufferpool

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

type MockReplacer struct {
	mock.Mock
}

var _ Replacer = &MockReplacer{}

func (m *MockReplacer) Pin(pageID common.PageIdentity) {
	m.Called(pageID)
}

func (m *MockReplacer) Unpin(pageID common.PageIdentity) {
	m.Called(pageID)
}

func (m *MockReplacer) ChooseVictim() (common.PageIdentity, error) {
	args := m.Called()
	return args.Get(0).(common.PageIdentity), args.Error(1)
}

func (m *MockReplacer) GetSize() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

var errInjected = errors.New("injected write failure")

// observedReplacer counts the victim requests that found no victim.
type observedReplacer struct {
	Replacer
	noVictim atomic.Int32
}

func (r *observedReplacer) ChooseVictim() (common.PageIdentity, error) {
	pIdent, err := r.Replacer.ChooseVictim()
	if errors.Is(err, ErrNoVictimAvailable) {
		r.noVictim.Add(1)
	}
	return pIdent, err
}

// flakyFs fails every page write while failWrites is set and parks writes
// while a gate from holdWrites is closed.
type flakyFs struct {
	afero.Fs
	failWrites    atomic.Bool
	writeGate     atomic.Pointer[chan struct{}]
	blockedWrites atomic.Int32
}

// holdWrites parks page writes until the returned func is called.
func (fs *flakyFs) holdWrites() func() {
	gate := make(chan struct{})
	fs.writeGate.Store(&gate)
	return func() {
		fs.writeGate.Store(nil)
		close(gate)
	}
}

func (fs *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &flakyFile{File: file, fs: fs}, nil
}

type flakyFile struct {
	afero.File
	fs *flakyFs
}

func (f *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	if gate := f.fs.writeGate.Load(); gate != nil {
		f.fs.blockedWrites.Add(1)
		<-*gate
	}
	if f.fs.failWrites.Load() {
		return 0, errInjected
	}
	return f.File.WriteAt(p, off)
}
