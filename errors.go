package suballoc

import "errors"

var (
	// ErrNoCompatibleMemoryType is returned when a request's type mask does
	// not include the allocator's memory type. It signals a routing bug in
	// the caller rather than resource exhaustion.
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")

	// ErrOutOfMemory is returned when a request exceeds the maximum chunk
	// size or the upstream owner reports exhaustion.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInUse is returned by Dispose while allocations are outstanding.
	// The allocator is left unchanged and Dispose may be retried once all
	// regions have been freed.
	ErrInUse = errors.New("allocator has outstanding allocations")
)
