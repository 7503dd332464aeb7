package suballoc_test

import (
	"errors"
	"testing"

	suballoc "github.com/holmberd/go-suballoc"
	"github.com/holmberd/go-suballoc/internal/testutils"
)

const testMemoryType = suballoc.MemoryTypeID(2)

var testConfig = suballoc.Config{
	ChunksPerBlock: 4,
	MinChunkSize:   256,
	MaxChunkSize:   4096,
	MemoryType:     testMemoryType,
}

func testReqs(size, alignment uint64) suballoc.Requirements {
	return suballoc.Requirements{
		Size:      size,
		Alignment: alignment,
		TypeMask:  testMemoryType.Mask(),
	}
}

func mustAlloc(t *testing.T, a *suballoc.ChunkedAllocator, owner suballoc.Allocator, reqs suballoc.Requirements) *suballoc.Block {
	t.Helper()
	chunk, err := a.Alloc(owner, nil, nil, reqs)
	if err != nil {
		t.Fatalf("expected allocation of %d bytes to succeed, got %v", reqs.Size, err)
	}
	return chunk
}

func TestChunkedAllocatorAlloc(t *testing.T) {
	t.Run("returns chunk satisfying size and alignment", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunk := mustAlloc(t, a, owner, testReqs(300, 256))
		if chunk.Size() != 512 {
			t.Errorf("expected 300 bytes to be served by the 512 size class, got %d", chunk.Size())
		}
		if chunk.Offset()%256 != 0 {
			t.Errorf("expected offset %d to be 256-byte aligned", chunk.Offset())
		}
		if owner.AllocCalls() != 1 {
			t.Errorf("expected a single upstream allocation, got %d", owner.AllocCalls())
		}
	})

	t.Run("amortizes upstream allocations over chunks per block", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		for i := 0; i < testConfig.ChunksPerBlock; i++ {
			mustAlloc(t, a, owner, testReqs(256, 0))
		}
		if owner.AllocCalls() != 1 {
			t.Fatalf("expected %d chunks to be served by one upstream block, got %d allocations",
				testConfig.ChunksPerBlock, owner.AllocCalls())
		}

		mustAlloc(t, a, owner, testReqs(256, 0))
		if owner.AllocCalls() != 2 {
			t.Fatalf("expected a second upstream block once the first is exhausted, got %d allocations", owner.AllocCalls())
		}
	})

	t.Run("virgin chunks are handed out in order", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		for i := 0; i < testConfig.ChunksPerBlock; i++ {
			chunk := mustAlloc(t, a, owner, testReqs(256, 0))
			if want := uint64(i) * 256; chunk.Offset() != want {
				t.Errorf("allocation %d: expected offset %d, got %d", i, want, chunk.Offset())
			}
		}
	})

	t.Run("issued chunks occupy disjoint ranges", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		type region struct {
			memory uint64
			offset uint64
		}
		seen := make(map[region]bool)
		for i := 0; i < 10; i++ {
			chunk := mustAlloc(t, a, owner, testReqs(256, 0))
			r := region{memory: chunk.Memory().ID(), offset: chunk.Offset()}
			if seen[r] {
				t.Fatalf("chunk at memory %d offset %d was issued twice", r.memory, r.offset)
			}
			seen[r] = true
		}
	})

	t.Run("large alignment picks a larger size class", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunk := mustAlloc(t, a, owner, testReqs(100, 1024))
		if chunk.Size() != 1024 {
			t.Errorf("expected alignment 1024 to be served by the 1024 size class, got %d", chunk.Size())
		}
		if chunk.Offset()%1024 != 0 {
			t.Errorf("expected offset %d to be 1024-byte aligned", chunk.Offset())
		}
	})

	t.Run("request of exactly max chunk size succeeds", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunk := mustAlloc(t, a, owner, testReqs(testConfig.MaxChunkSize, 0))
		if chunk.Size() != testConfig.MaxChunkSize {
			t.Errorf("expected chunk of %d bytes, got %d", testConfig.MaxChunkSize, chunk.Size())
		}
	})

	t.Run("oversize request fails without touching the owner", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		_, err := a.Alloc(owner, nil, nil, testReqs(testConfig.MaxChunkSize+1, 0))
		if !errors.Is(err, suballoc.ErrOutOfMemory) {
			t.Fatalf("expected ErrOutOfMemory, got %v", err)
		}
		if owner.AllocCalls() != 0 {
			t.Errorf("expected no upstream allocations, got %d", owner.AllocCalls())
		}
	})

	t.Run("type mismatch fails without state change", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		reqs := testReqs(256, 0)
		reqs.TypeMask = suballoc.MemoryTypeID(5).Mask()
		_, err := a.Alloc(owner, nil, nil, reqs)
		if !errors.Is(err, suballoc.ErrNoCompatibleMemoryType) {
			t.Fatalf("expected ErrNoCompatibleMemoryType, got %v", err)
		}
		if owner.AllocCalls() != 0 {
			t.Errorf("expected no upstream allocations, got %d", owner.AllocCalls())
		}
		if a.IsBusy() {
			t.Error("expected allocator to stay idle after a rejected request")
		}
	})

	t.Run("owner exhaustion propagates", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		owner.FailNextAlloc()
		_, err := a.Alloc(owner, nil, nil, testReqs(256, 0))
		if !errors.Is(err, suballoc.ErrOutOfMemory) {
			t.Fatalf("expected ErrOutOfMemory from the owner, got %v", err)
		}
		if a.IsBusy() {
			t.Error("expected allocator to stay idle after a failed growth")
		}
	})
}

func TestChunkedAllocatorFree(t *testing.T) {
	t.Run("recently freed chunk is reused before virgin chunks", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunks := make([]*suballoc.Block, testConfig.ChunksPerBlock)
		for i := range chunks {
			chunks[i] = mustAlloc(t, a, owner, testReqs(256, 0))
		}

		freed := chunks[1]
		freedOffset, freedMemory := freed.Offset(), freed.Memory()
		a.Free(owner, nil, freed)

		chunk := mustAlloc(t, a, owner, testReqs(256, 0))
		if chunk.Offset() != freedOffset || chunk.Memory() != freedMemory {
			t.Fatalf("expected freed chunk at offset %d to be reused, got offset %d", freedOffset, chunk.Offset())
		}
		if owner.AllocCalls() != 1 {
			t.Errorf("expected reuse without a new upstream allocation, got %d allocations", owner.AllocCalls())
		}
	})

	t.Run("free routes by chunk size", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		small := mustAlloc(t, a, owner, testReqs(256, 0))
		large := mustAlloc(t, a, owner, testReqs(4000, 0))

		a.Free(owner, nil, large)
		a.Free(owner, nil, small)
		if a.IsBusy() {
			t.Error("expected allocator to be idle after freeing all chunks")
		}
	})

	t.Run("busy accounting tracks outstanding chunks", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		if a.IsBusy() {
			t.Fatal("expected a fresh allocator to be idle")
		}
		chunk := mustAlloc(t, a, owner, testReqs(256, 0))
		if !a.IsBusy() {
			t.Fatal("expected allocator to be busy with an outstanding chunk")
		}
		if got := a.OutstandingChunks(); got != 1 {
			t.Fatalf("expected 1 outstanding chunk, got %d", got)
		}
		a.Free(owner, nil, chunk)
		if a.IsBusy() {
			t.Fatal("expected allocator to be idle after the last free")
		}
		if got := a.OutstandingChunks(); got != 0 {
			t.Fatalf("expected 0 outstanding chunks, got %d", got)
		}
	})
}

func TestChunkedAllocatorDispose(t *testing.T) {
	t.Run("fails while busy and releases nothing", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunk := mustAlloc(t, a, owner, testReqs(256, 0))
		if err := a.Dispose(owner, nil); !errors.Is(err, suballoc.ErrInUse) {
			t.Fatalf("expected ErrInUse, got %v", err)
		}
		if owner.FreeCalls() != 0 {
			t.Fatalf("expected no blocks released by a failed dispose, got %d", owner.FreeCalls())
		}

		// The allocator must remain fully usable after a failed dispose.
		a.Free(owner, nil, chunk)
		if err := a.Dispose(owner, nil); err != nil {
			t.Fatalf("expected dispose to succeed after draining, got %v", err)
		}
	})

	t.Run("returns every backing block to the owner", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)

		chunks := []*suballoc.Block{
			mustAlloc(t, a, owner, testReqs(256, 0)),
			mustAlloc(t, a, owner, testReqs(1000, 0)),
			mustAlloc(t, a, owner, testReqs(4096, 0)),
		}
		for _, chunk := range chunks {
			a.Free(owner, nil, chunk)
		}

		if err := a.Dispose(owner, nil); err != nil {
			t.Fatalf("expected dispose to succeed, got %v", err)
		}
		if owner.BlocksInUse() != 0 {
			t.Fatalf("expected all backing blocks returned, %d still held", owner.BlocksInUse())
		}
	})

	t.Run("dispose of a fresh allocator succeeds", func(t *testing.T) {
		owner := testutils.NewMockAllocator(testMemoryType)
		a := suballoc.New(testConfig)
		if err := a.Dispose(owner, nil); err != nil {
			t.Fatalf("expected dispose of an unused allocator to succeed, got %v", err)
		}
	})
}

func TestChunkedAllocatorAccessors(t *testing.T) {
	a := suballoc.New(testConfig)
	if a.MemoryType() != testConfig.MemoryType {
		t.Errorf("expected memory type %d, got %d", testConfig.MemoryType, a.MemoryType())
	}
	if a.ChunksPerBlock() != testConfig.ChunksPerBlock {
		t.Errorf("expected chunks per block %d, got %d", testConfig.ChunksPerBlock, a.ChunksPerBlock())
	}
	if a.MinChunkSize() != testConfig.MinChunkSize {
		t.Errorf("expected min chunk size %d, got %d", testConfig.MinChunkSize, a.MinChunkSize())
	}
	if a.MaxChunkSize() != testConfig.MaxChunkSize {
		t.Errorf("expected max chunk size %d, got %d", testConfig.MaxChunkSize, a.MaxChunkSize())
	}
}
