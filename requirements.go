package suballoc

// MemoryTypeID identifies one of the memory types exposed by a device.
type MemoryTypeID uint32

// Mask returns a type bitmask with only this memory type's bit set.
func (id MemoryTypeID) Mask() uint64 {
	return 1 << id
}

// Requirements describes the constraints a returned memory region must
// satisfy. It is supplied per request and never stored.
type Requirements struct {
	Size      uint64 // Minimum size of the region, in bytes.
	Alignment uint64 // Required start alignment, a power of two.
	TypeMask  uint64 // Bitmask of acceptable memory types.
}
