package testutils

import (
	"sync/atomic"

	suballoc "github.com/holmberd/go-suballoc"
)

// MockAllocator is an upstream owner that serves blocks from the Go heap
// and counts calls, for exercising sub-allocators in tests.
type MockAllocator struct {
	id        suballoc.MemoryTypeID
	allocs    atomic.Int64
	frees     atomic.Int64
	failAlloc atomic.Bool
}

func NewMockAllocator(id suballoc.MemoryTypeID) *MockAllocator {
	return &MockAllocator{id: id}
}

func (m *MockAllocator) Alloc(dev suballoc.Device, request suballoc.Request, reqs suballoc.Requirements) (*suballoc.Block, error) {
	if m.failAlloc.CompareAndSwap(true, false) {
		return nil, suballoc.ErrOutOfMemory
	}
	if m.id.Mask()&reqs.TypeMask == 0 {
		return nil, suballoc.ErrNoCompatibleMemoryType
	}
	m.allocs.Add(1)
	mem := suballoc.NewMemory(make([]byte, reqs.Size))
	return suballoc.NewBlock(mem, 0, reqs.Size), nil
}

func (m *MockAllocator) Free(dev suballoc.Device, block *suballoc.Block) {
	m.frees.Add(1)
}

// FailNextAlloc makes the next Alloc call fail with ErrOutOfMemory.
func (m *MockAllocator) FailNextAlloc() {
	m.failAlloc.Store(true)
}

func (m *MockAllocator) AllocCalls() int64 {
	return m.allocs.Load()
}

func (m *MockAllocator) FreeCalls() int64 {
	return m.frees.Load()
}

func (m *MockAllocator) BlocksInUse() int64 {
	return m.AllocCalls() - m.FreeCalls()
}

func (m *MockAllocator) Reset() {
	m.allocs.Store(0)
	m.frees.Store(0)
	m.failAlloc.Store(false)
}
