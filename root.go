package suballoc

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RootAllocator is the terminal owner in a sub-allocator chain. It maps
// backing blocks directly from the operating system with anonymous private
// mappings, outside the Go heap, and unmaps them on Free. Each Alloc maps
// exactly one block spanning a whole mapping, so blocks start at offset
// zero and satisfy any requested alignment.
type RootAllocator struct {
	logger *slog.Logger
	id     MemoryTypeID

	blocks    atomic.Int64
	bytes     atomic.Int64
	mmapCalls atomic.Uint64
}

// RootStats represents root allocator stats.
type RootStats struct {
	Blocks    int64  // Mapped blocks currently outstanding.
	Bytes     int64  // Mapped bytes currently outstanding.
	MmapCalls uint64 // Total number of mappings performed.
}

// NewRootAllocator creates a root allocator serving the given memory type.
// A nil logger defaults to slog.Default.
func NewRootAllocator(id MemoryTypeID, logger *slog.Logger) *RootAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RootAllocator{logger: logger, id: id}
}

// MemoryType returns the memory type this allocator serves.
func (r *RootAllocator) MemoryType() MemoryTypeID {
	return r.id
}

// Alloc maps a new block of at least reqs.Size bytes, rounded up to the
// page size. The request hint is ignored; the root has no owner to forward
// it to.
func (r *RootAllocator) Alloc(dev Device, request Request, reqs Requirements) (*Block, error) {
	if r.id.Mask()&reqs.TypeMask == 0 {
		return nil, ErrNoCompatibleMemoryType
	}
	if reqs.Alignment != 0 && !isPowerOfTwo(reqs.Alignment) {
		panic(fmt.Sprintf("suballoc: alignment %d is not a power of two", reqs.Alignment))
	}

	pageSize := uint64(unix.Getpagesize())
	mapSize := reqs.Size + AlignmentShift(pageSize, reqs.Size)
	data, err := unix.Mmap(-1, 0, int(mapSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap of %d bytes: %v", ErrOutOfMemory, mapSize, err)
	}
	r.mmapCalls.Add(1)
	r.blocks.Add(1)
	r.bytes.Add(int64(len(data)))

	block := NewBlock(NewMemory(data), 0, uint64(len(data)))
	r.logger.Debug("mapped backing block",
		"size", len(data),
		"fingerprint", block.Fingerprint(),
	)
	return block, nil
}

// Free unmaps a block previously returned by Alloc, releasing its memory
// back to the operating system.
func (r *RootAllocator) Free(dev Device, block *Block) {
	data := block.Memory().Bytes()
	if err := unix.Munmap(data); err != nil {
		r.logger.Error("failed to unmap block", "error", err, "fingerprint", block.Fingerprint())
		return
	}
	r.blocks.Add(-1)
	r.bytes.Add(-int64(len(data)))
}

// IsBusy reports whether any mapped blocks are outstanding.
func (r *RootAllocator) IsBusy() bool {
	return r.blocks.Load() != 0
}

// Stats returns a snapshot of the allocator's counters.
func (r *RootAllocator) Stats() RootStats {
	return RootStats{
		Blocks:    r.blocks.Load(),
		Bytes:     r.bytes.Load(),
		MmapCalls: r.mmapCalls.Load(),
	}
}
