package suballoc

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/gammazero/deque"
)

// chunkSlot identifies one free chunk: the backing block it lives in and
// its position within that block.
type chunkSlot struct {
	blockIndex int
	chunkIndex uint64
}

// chunkedNode manages every chunk of one fixed size. Backing blocks are
// acquired from the owner on demand and carved into chunksPerBlock equally
// sized chunks fronted by a free list.
type chunkedNode struct {
	logger         *slog.Logger
	id             MemoryTypeID
	chunkSize      uint64
	chunksPerBlock int
	freeList       deque.Deque[chunkSlot]
	blocks         []*Block
}

func newChunkedNode(logger *slog.Logger, chunkSize uint64, chunksPerBlock int, id MemoryTypeID) *chunkedNode {
	return &chunkedNode{
		logger:         logger,
		id:             id,
		chunkSize:      chunkSize,
		chunksPerBlock: chunksPerBlock,
	}
}

// count returns the total number of chunk slots, free or handed out.
func (n *chunkedNode) count() int {
	return len(n.blocks) * n.chunksPerBlock
}

// outstanding returns the number of chunks currently handed out.
func (n *chunkedNode) outstanding() int {
	return n.count() - n.freeList.Len()
}

func (n *chunkedNode) isBusy() bool {
	return n.freeList.Len() < n.count()
}

// grow acquires one more backing block from the owner and carves it into
// chunksPerBlock free chunk slots. Fresh slots are queued at the back so
// they are only used once all previously freed chunks have been reused.
func (n *chunkedNode) grow(owner Allocator, dev Device, request Request) error {
	reqs := Requirements{
		Size:      n.chunkSize * uint64(n.chunksPerBlock),
		Alignment: n.chunkSize,
		TypeMask:  n.id.Mask(),
	}
	block, err := owner.Alloc(dev, request, reqs)
	if err != nil {
		return err
	}
	if shift := AlignmentShift(reqs.Alignment, block.Offset()); shift != 0 {
		panic(fmt.Sprintf("suballoc: owner returned block misaligned by %d bytes (alignment %d)", shift, reqs.Alignment))
	}
	if uint64(n.chunksPerBlock) > block.Size()/n.chunkSize {
		panic(fmt.Sprintf("suballoc: owner returned undersized block of %d bytes, need %d", block.Size(), reqs.Size))
	}

	for i := 0; i < n.chunksPerBlock; i++ {
		n.freeList.PushBack(chunkSlot{blockIndex: len(n.blocks), chunkIndex: uint64(i)})
	}
	n.blocks = append(n.blocks, block)
	n.logger.Debug("acquired backing block",
		"chunk_size", n.chunkSize,
		"block_index", len(n.blocks)-1,
		"block_size", block.Size(),
		"fingerprint", block.Fingerprint(),
	)
	return nil
}

// allocNoGrow hands out the front chunk of the free list, tagged with its
// backing block index, or nil when the free list is empty.
func (n *chunkedNode) allocNoGrow() *Block {
	if n.freeList.Len() == 0 {
		return nil
	}
	slot := n.freeList.PopFront()
	backing := n.blocks[slot.blockIndex]
	offset := backing.Offset() + slot.chunkIndex*n.chunkSize
	chunk := NewBlock(backing.Memory(), offset, n.chunkSize)
	chunk.setTag(uint64(slot.blockIndex))
	return chunk
}

func (n *chunkedNode) alloc(owner Allocator, dev Device, request Request, reqs Requirements) (*Block, error) {
	if n.id.Mask()&reqs.TypeMask == 0 {
		return nil, ErrNoCompatibleMemoryType
	}
	chunk := n.allocNoGrow()
	if chunk == nil {
		if err := n.grow(owner, dev, request); err != nil {
			return nil, err
		}
		chunk = n.allocNoGrow()
	}
	if chunk.Size() < reqs.Size {
		panic(fmt.Sprintf("suballoc: chunk of %d bytes cannot satisfy request of %d bytes", chunk.Size(), reqs.Size))
	}
	if reqs.Alignment != 0 && chunk.Offset()&(reqs.Alignment-1) != 0 {
		panic(fmt.Sprintf("suballoc: chunk offset %d violates requested alignment %d", chunk.Offset(), reqs.Alignment))
	}
	return chunk, nil
}

// free validates the returned chunk against the backing block recorded in
// its tag and pushes its slot onto the front of the free list, so recently
// freed chunks are reused ahead of chunks that have never been handed out.
// An invalid chunk indicates a double free, a cross-allocator free or a
// corrupted handle, and is a programming error.
func (n *chunkedNode) free(chunk *Block) {
	if chunk.Size() != n.chunkSize {
		panic(fmt.Sprintf("suballoc: freed chunk of %d bytes does not match chunk size %d", chunk.Size(), n.chunkSize))
	}
	if chunk.Offset()%n.chunkSize != 0 {
		panic(fmt.Sprintf("suballoc: freed chunk offset %d is not a multiple of chunk size %d", chunk.Offset(), n.chunkSize))
	}
	blockIndex := int(chunk.takeTag())
	if blockIndex >= len(n.blocks) {
		panic(fmt.Sprintf("suballoc: freed chunk tag %d exceeds block count %d", blockIndex, len(n.blocks)))
	}
	backing := n.blocks[blockIndex]
	if backing.Memory() != chunk.Memory() {
		panic(fmt.Sprintf("suballoc: freed chunk %#x does not belong to block %d", chunk.Fingerprint(), blockIndex))
	}
	chunkIndex := (chunk.Offset() - backing.Offset()) / n.chunkSize
	n.freeList.PushFront(chunkSlot{blockIndex: blockIndex, chunkIndex: chunkIndex})
}

// dispose returns every backing block to the owner in block-index order.
// It fails with ErrInUse, leaving the node untouched, while any chunk is
// outstanding.
func (n *chunkedNode) dispose(owner Allocator, dev Device) error {
	if n.isBusy() {
		return ErrInUse
	}
	for _, block := range n.blocks {
		owner.Free(dev, block)
	}
	n.blocks = nil
	n.freeList.Clear()
	return nil
}

// ChunkedAllocator is a SubAllocator that rounds the requested size up to
// the nearest power-of-two size class and returns a chunk from a list of
// equally sized chunks, growing each size class on demand from an upstream
// owner. It serves a single memory type.
//
// It is not safe for concurrent use; callers must serialize access
// externally.
type ChunkedAllocator struct {
	logger         *slog.Logger
	id             MemoryTypeID
	chunksPerBlock int
	minChunkSize   uint64
	maxChunkSize   uint64
	nodes          []*chunkedNode
}

// New creates a new chunked allocator.
// It panics if the configuration is invalid; construction with
// non-power-of-two chunk sizes is a programming error.
func New(config Config) *ChunkedAllocator {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("suballoc: %v", err))
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkedAllocator{
		logger:         logger,
		id:             config.MemoryType,
		chunksPerBlock: config.ChunksPerBlock,
		minChunkSize:   config.MinChunkSize,
		maxChunkSize:   config.MaxChunkSize,
	}
}

// MemoryType returns the memory type this allocator serves.
func (a *ChunkedAllocator) MemoryType() MemoryTypeID {
	return a.id
}

// ChunksPerBlock returns the number of chunks carved from each backing block.
func (a *ChunkedAllocator) ChunksPerBlock() int {
	return a.chunksPerBlock
}

// MinChunkSize returns the smallest chunk size.
func (a *ChunkedAllocator) MinChunkSize() uint64 {
	return a.minChunkSize
}

// MaxChunkSize returns the largest chunk size.
func (a *ChunkedAllocator) MaxChunkSize() uint64 {
	return a.maxChunkSize
}

// OutstandingChunks returns the number of chunks currently handed out
// across all size classes, for leak auditing.
func (a *ChunkedAllocator) OutstandingChunks() int {
	total := 0
	for _, n := range a.nodes {
		total += n.outstanding()
	}
	return total
}

// pickNode returns the index of the size class serving size: the smallest
// i such that minChunkSize << i >= size. It is a pure function of the
// configured minimum chunk size; size must be at least 1.
func (a *ChunkedAllocator) pickNode(size uint64) int {
	if size == 0 {
		panic("suballoc: cannot pick a size class for a zero-sized request")
	}
	return bits.Len64((size - 1) / a.minChunkSize)
}

// maxNode returns the index of the largest permissible size class.
func (a *ChunkedAllocator) maxNode() int {
	return a.pickNode(a.maxChunkSize)
}

// grow backfills size-class nodes so every index up to and including index
// exists, leaving no gaps. Indices beyond the largest permissible size
// class are clamped. Nodes are never removed or reordered, so block tags
// issued by a node remain valid for its lifetime.
func (a *ChunkedAllocator) grow(index int) {
	index = min(index, a.maxNode())
	for i := len(a.nodes); i <= index; i++ {
		a.nodes = append(a.nodes, newChunkedNode(a.logger, a.minChunkSize<<i, a.chunksPerBlock, a.id))
	}
}

// Alloc returns a chunk of at least reqs.Size bytes aligned to
// reqs.Alignment. A request larger than MaxChunkSize fails with
// ErrOutOfMemory; a request whose type mask excludes the configured memory
// type fails with ErrNoCompatibleMemoryType. Neither touches the owner.
//
// Alignment is folded into the size-class choice: a chunk's natural
// alignment equals its size, so a large alignment is satisfied by picking
// a correspondingly large size class.
func (a *ChunkedAllocator) Alloc(owner Allocator, dev Device, request Request, reqs Requirements) (*Block, error) {
	if reqs.Size > a.maxChunkSize {
		return nil, ErrOutOfMemory
	}
	if a.id.Mask()&reqs.TypeMask == 0 {
		return nil, ErrNoCompatibleMemoryType
	}
	index := a.pickNode(max(reqs.Size, reqs.Alignment))
	a.grow(index + 1)
	return a.nodes[index].alloc(owner, dev, request, reqs)
}

// Free returns a chunk obtained from Alloc. The serving size class is
// recovered from the chunk's size; the chunk's tag locates its backing
// block within that class. Freeing a chunk this allocator did not issue is
// a programming error.
func (a *ChunkedAllocator) Free(owner Allocator, dev Device, chunk *Block) {
	index := a.pickNode(chunk.Size())
	if index >= len(a.nodes) {
		panic(fmt.Sprintf("suballoc: freed chunk of %d bytes does not belong to any size class", chunk.Size()))
	}
	a.nodes[index].free(chunk)
}

// IsBusy reports whether any size class has outstanding chunks.
func (a *ChunkedAllocator) IsBusy() bool {
	for _, n := range a.nodes {
		if n.isBusy() {
			return true
		}
	}
	return false
}

// Dispose returns all backing memory to the owner. Every size class is
// validated to be idle before any memory is released, so a Dispose that
// fails with ErrInUse has released nothing.
func (a *ChunkedAllocator) Dispose(owner Allocator, dev Device) error {
	if a.IsBusy() {
		for i, n := range a.nodes {
			if n.isBusy() {
				a.logger.Warn("dispose failed, size class has outstanding chunks",
					"index", i,
					"chunk_size", n.chunkSize,
					"outstanding", n.outstanding(),
				)
			}
		}
		return ErrInUse
	}
	for _, n := range a.nodes {
		if err := n.dispose(owner, dev); err != nil {
			// Unreachable: every node was validated idle above.
			panic(fmt.Sprintf("suballoc: dispose of idle size class failed: %v", err))
		}
	}
	a.nodes = nil
	return nil
}
