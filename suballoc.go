// Package suballoc implements sub-allocation of large device-memory blocks.
// It buys big blocks from an upstream owner once and carves them into many
// small regions, minimizing the number of expensive upstream allocations.
package suballoc

// Device is an opaque handle to whatever performs the actual memory
// operations. It is passed through to the owner unexamined.
type Device = any

// Request is an opaque allocation hint forwarded to the upstream owner
// unexamined.
type Request = any

// Allocator is the upstream owner of raw backing memory blocks.
type Allocator interface {
	// Alloc returns a block satisfying reqs, or an error on exhaustion or
	// memory-type mismatch.
	Alloc(dev Device, request Request, reqs Requirements) (*Block, error)

	// Free returns a block previously obtained from Alloc.
	Free(dev Device, block *Block)
}

// SubAllocator carves blocks obtained from an upstream Allocator into
// smaller regions. Implementations are not safe for concurrent use;
// callers must serialize access externally.
type SubAllocator interface {
	Alloc(owner Allocator, dev Device, request Request, reqs Requirements) (*Block, error)
	Free(owner Allocator, dev Device, chunk *Block)

	// IsBusy reports whether any region is currently handed out.
	IsBusy() bool

	// Dispose returns all backing memory to the owner. It fails with
	// ErrInUse, leaving state untouched, while any region is outstanding.
	Dispose(owner Allocator, dev Device) error
}

// AlignmentShift returns the number of bytes needed to advance offset to
// the next alignment boundary. Alignment must be a power of two.
func AlignmentShift(alignment, offset uint64) uint64 {
	return (alignment - offset&(alignment-1)) & (alignment - 1)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
