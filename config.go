package suballoc

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// Config configures a ChunkedAllocator.
type Config struct {
	// ChunksPerBlock is the number of chunks carved from each backing block
	// requested from the upstream owner.
	//   - A larger value means fewer upstream allocations but more memory
	//     held per size class.
	//   - A smaller value means less memory waste for sparsely used size
	//     classes at the cost of more upstream allocations.
	ChunksPerBlock int

	MinChunkSize uint64 // Smallest chunk size, in bytes. Must be a power of two.
	MaxChunkSize uint64 // Largest chunk size, in bytes. Must be a power of two >= MinChunkSize.

	// MemoryType is the single memory type this allocator serves. Requests
	// whose type mask excludes it are rejected.
	MemoryType MemoryTypeID

	// Logger used for growth and disposal diagnostics. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger
}

// Validate reports all configuration errors at once.
func (c Config) Validate() error {
	var errs []error
	if c.ChunksPerBlock <= 0 {
		errs = append(errs, errors.New("invalid config: ChunksPerBlock must be positive"))
	}
	if !isPowerOfTwo(c.MinChunkSize) {
		errs = append(errs, fmt.Errorf("invalid config: MinChunkSize %d must be a power of two", c.MinChunkSize))
	}
	if !isPowerOfTwo(c.MaxChunkSize) {
		errs = append(errs, fmt.Errorf("invalid config: MaxChunkSize %d must be a power of two", c.MaxChunkSize))
	}
	if c.MaxChunkSize < c.MinChunkSize {
		errs = append(errs, fmt.Errorf("invalid config: MaxChunkSize %d must not be smaller than MinChunkSize %d", c.MaxChunkSize, c.MinChunkSize))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a configuration suitable for sub-allocating small
// device resources of the given memory type.
func DefaultConfig(memoryType MemoryTypeID) Config {
	return Config{
		ChunksPerBlock: 64,       // Amortize one upstream allocation over 64 chunks.
		MinChunkSize:   256,      // Small enough to avoid significant waste on tiny requests.
		MaxChunkSize:   64 * KiB, // Larger requests should go to a dedicated allocator.
		MemoryType:     memoryType,
	}
}
