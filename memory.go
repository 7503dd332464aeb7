package suballoc

import "sync/atomic"

var memoryIDs atomic.Uint64

// Memory is the identity of a single raw region of backing memory. Every
// Block refers to exactly one Memory; two blocks alias the same backing
// memory iff their Memory pointers are equal.
type Memory struct {
	id   uint64
	data []byte
}

// NewMemory wraps raw backing bytes in a new process-unique identity.
func NewMemory(data []byte) *Memory {
	return &Memory{id: memoryIDs.Add(1), data: data}
}

// ID returns the process-unique identifier of this memory.
func (m *Memory) ID() uint64 {
	return m.id
}

// Size returns the size of the backing memory, in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Bytes returns the raw backing bytes.
func (m *Memory) Bytes() []byte {
	return m.data
}
