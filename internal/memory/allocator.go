package memory

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// Allocator hands out regions of linear memory. The caller owns a returned
// region until it frees it; allocators never free on a caller's behalf.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (Pointer, error)
	Free(ctx context.Context, ptr Pointer) error
}

// GuestAllocator allocates through the guest's own malloc/free exports.
type GuestAllocator struct {
	malloc api.Function
	free   api.Function
	width  AddressWidth
}

// NewGuestAllocator wraps the guest's allocator exports. free may be nil.
func NewGuestAllocator(malloc, free api.Function, width AddressWidth) *GuestAllocator {
	return &GuestAllocator{malloc: malloc, free: free, width: width}
}

// Alloc calls the guest's malloc.
func (a *GuestAllocator) Alloc(ctx context.Context, size uint32) (Pointer, error) {
	results, err := a.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, &AllocationError{Size: size, Err: err}
	}
	if len(results) != 1 {
		return 0, &AllocationError{Size: size, Err: fmt.Errorf("malloc returned %d results", len(results))}
	}
	raw := results[0]
	if a.width == Width32 {
		raw = uint64(api.DecodeU32(raw))
	}
	if raw > math.MaxUint32 {
		return 0, &AllocationError{Size: size, Err: fmt.Errorf("malloc returned pointer %#x beyond 32-bit memory", raw)}
	}
	if raw == 0 && size > 0 {
		return 0, &AllocationError{Size: size, Err: errors.New("malloc returned null")}
	}
	return Pointer(raw), nil
}

// Free calls the guest's free, if it exports one.
func (a *GuestAllocator) Free(ctx context.Context, ptr Pointer) error {
	if a.free == nil || ptr == 0 {
		return nil
	}
	_, err := a.free.Call(ctx, uint64(ptr))
	return err
}

const arenaAlign = 8

// Arena is a host-side bump allocator for guests that export no allocator.
// It only hands out memory from pages it grew itself, so it never overlaps
// memory the guest already owns. Freeing the most recent block rewinds; any
// other Free is ignored.
type Arena struct {
	mem      *LinearMemory
	next     uint32
	chunkEnd uint32
	last     Pointer
}

// NewArena creates an arena over mem. No pages are claimed until the first Alloc.
func NewArena(mem *LinearMemory) *Arena {
	return &Arena{mem: mem}
}

// Alloc returns an 8-byte aligned block of size bytes.
func (a *Arena) Alloc(_ context.Context, size uint32) (Pointer, error) {
	if size == 0 {
		return 0, nil
	}
	start := alignUp(a.next, arenaAlign)
	if a.chunkEnd == 0 || uint64(start)+uint64(size) > uint64(a.chunkEnd) {
		pages := uint32((uint64(size) + PageSize - 1) / PageSize)
		base := a.mem.Size()
		newSize, err := a.mem.Grow(pages)
		if err != nil {
			return 0, &AllocationError{Size: size, Err: err}
		}
		start, a.chunkEnd = base, newSize
	}
	a.next = start + size
	a.last = Pointer(start)
	return Pointer(start), nil
}

// Free rewinds the arena when ptr is the most recent allocation.
func (a *Arena) Free(_ context.Context, ptr Pointer) error {
	if ptr != 0 && ptr == a.last {
		a.next = uint32(ptr)
		a.last = 0
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
