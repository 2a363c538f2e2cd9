package memory

import (
	"fmt"
)

// BoundsError occurs when an access falls outside [0, current size).
// It is fatal: the operation in progress is aborted and memory is not touched.
type BoundsError struct {
	Op     string
	Offset uint64
	Length uint64
	Size   uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("memory access out of bounds (op=%s, offset=%d, len=%d, size=%d)",
		e.Op, e.Offset, e.Length, e.Size)
}

// OutOfMemoryError occurs when growing would exceed the maximum page count.
type OutOfMemoryError struct {
	CurrentPages uint32
	DeltaPages   uint32
	MaxPages     uint32
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: cannot grow %d pages by %d (max %d)",
		e.CurrentPages, e.DeltaPages, e.MaxPages)
}

// WidthError occurs when an integer width other than 1, 2, 4 or 8 is requested.
type WidthError struct {
	Width int
}

func (e *WidthError) Error() string {
	return fmt.Sprintf("unsupported integer width %d (must be 1, 2, 4 or 8)", e.Width)
}

// OverflowError occurs when a value does not fit in the requested width.
type OverflowError struct {
	Value uint64
	Width int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("value %d does not fit in %d bytes", e.Value, e.Width)
}

// AllocationError occurs when an allocator cannot satisfy a request.
type AllocationError struct {
	Size uint32
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate %d bytes: %v", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}
