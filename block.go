package suballoc

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Block is a handle to a byte range of backing memory. Sub-allocators may
// attach a single opaque integer tag to a block they hand out; the caller
// must return the block with its tag unmodified.
type Block struct {
	memory *Memory
	offset uint64
	size   uint64
	tag    uint64
	tagged bool
}

// NewBlock constructs a handle over [offset, offset+size) of mem.
// It panics if the range falls outside the backing memory.
func NewBlock(mem *Memory, offset, size uint64) *Block {
	if offset+size > mem.Size() {
		panic(fmt.Sprintf("suballoc: block range [%d, %d) exceeds memory size %d", offset, offset+size, mem.Size()))
	}
	return &Block{memory: mem, offset: offset, size: size}
}

// Memory returns the identity of the backing memory this block refers to.
func (b *Block) Memory() *Memory {
	return b.memory
}

// Offset returns the block's start offset within its backing memory.
func (b *Block) Offset() uint64 {
	return b.offset
}

// Size returns the block's size, in bytes.
func (b *Block) Size() uint64 {
	return b.size
}

// Bytes returns the block's slice of the backing memory.
func (b *Block) Bytes() []byte {
	return b.memory.data[b.offset : b.offset+b.size]
}

// Fingerprint returns a stable 64-bit fingerprint of the block's identity,
// intended for logging and leak auditing.
func (b *Block) Fingerprint() uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.memory.id)
	binary.LittleEndian.PutUint64(buf[8:16], b.offset)
	binary.LittleEndian.PutUint64(buf[16:24], b.size)
	return xxhash.Sum64(buf[:])
}

// setTag attaches the tag to the block. A block holds at most one tag;
// tagging an already-tagged block is a programming error.
func (b *Block) setTag(tag uint64) {
	if b.tagged {
		panic(fmt.Sprintf("suballoc: block %#x is already tagged", b.Fingerprint()))
	}
	b.tag = tag
	b.tagged = true
}

// takeTag removes and returns the block's tag, consuming it. Taking the
// tag of an untagged block is a programming error.
func (b *Block) takeTag() uint64 {
	if !b.tagged {
		panic(fmt.Sprintf("suballoc: block %#x has no tag", b.Fingerprint()))
	}
	b.tagged = false
	return b.tag
}
