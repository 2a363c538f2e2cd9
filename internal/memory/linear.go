// Package memory implements the linear memory shared between the host and a
// guest module: bounds-checked access, typed little-endian load/store, growth,
// the PendingResult record layout and host-side allocation.
package memory

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	// PageSize is the size of a WebAssembly memory page (64KB).
	PageSize = 65536

	// MaxPages32 is the page limit of a 32-bit linear memory (4GB).
	MaxPages32 = 65536
)

// Backing is the raw memory the manager operates on.
// wazero's api.Memory satisfies it.
type Backing interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadByte(offset uint32) (byte, bool)
	WriteByte(offset uint32, v byte) bool
}

// LinearMemory provides safe access to a guest's linear memory.
//
// Every offset and length is validated against the current size before the
// backing memory is touched, so a failed access never writes a partial value.
// Reads return copies: the backing view is re-acquired on every call because
// Grow may move the underlying buffer.
type LinearMemory struct {
	mem      Backing
	maxPages uint32
}

// NewLinearMemory wraps a backing memory. maxPages of 0 means MaxPages32.
func NewLinearMemory(mem Backing, maxPages uint32) *LinearMemory {
	if maxPages == 0 || maxPages > MaxPages32 {
		maxPages = MaxPages32
	}
	return &LinearMemory{mem: mem, maxPages: maxPages}
}

// Size returns the current size in bytes.
func (m *LinearMemory) Size() uint32 {
	return m.mem.Size()
}

// Pages returns the current size in pages.
func (m *LinearMemory) Pages() uint32 {
	return m.mem.Size() / PageSize
}

// MaxPages returns the growth ceiling in pages.
func (m *LinearMemory) MaxPages() uint32 {
	return m.maxPages
}

func (m *LinearMemory) check(op string, offset uint32, length uint64) error {
	size := m.mem.Size()
	if uint64(offset)+length > uint64(size) {
		return &BoundsError{Op: op, Offset: uint64(offset), Length: length, Size: size}
	}
	return nil
}

// Read returns a copy of length bytes at offset.
func (m *LinearMemory) Read(offset, length uint32) ([]byte, error) {
	view, err := m.View(offset, length)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(view), nil
}

// View returns the live bytes at offset without copying. The slice is only
// valid until the next Grow and must not be kept across a deferred completion.
func (m *LinearMemory) View(offset, length uint32) ([]byte, error) {
	if err := m.check("read", offset, uint64(length)); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	view, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, &BoundsError{Op: "read", Offset: uint64(offset), Length: uint64(length), Size: m.mem.Size()}
	}
	return view, nil
}

// Write copies data to offset.
func (m *LinearMemory) Write(offset uint32, data []byte) error {
	if err := m.check("write", offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if !m.mem.Write(offset, data) {
		return &BoundsError{Op: "write", Offset: uint64(offset), Length: uint64(len(data)), Size: m.mem.Size()}
	}
	return nil
}

// Fill sets length bytes at offset to b.
func (m *LinearMemory) Fill(offset, length uint32, b byte) error {
	if err := m.check("fill", offset, uint64(length)); err != nil {
		return err
	}
	return m.Write(offset, bytes.Repeat([]byte{b}, int(length)))
}

// ReadString decodes a fixed-length byte run as text. No terminator handling.
func (m *LinearMemory) ReadString(offset, length uint32) (string, error) {
	view, err := m.View(offset, length)
	if err != nil {
		return "", err
	}
	return string(view), nil
}

// ReadCString reads a null-terminated string of at most maxLength bytes.
// The run is clipped to the end of memory before the terminator is searched.
func (m *LinearMemory) ReadCString(offset, maxLength uint32) (string, error) {
	size := m.mem.Size()
	if offset > size {
		return "", &BoundsError{Op: "read", Offset: uint64(offset), Length: uint64(maxLength), Size: size}
	}
	if uint64(offset)+uint64(maxLength) > uint64(size) {
		maxLength = size - offset
	}
	view, err := m.View(offset, maxLength)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(view, 0); i >= 0 {
		view = view[:i]
	}
	return string(view), nil
}

// WriteCString writes s followed by a NUL byte.
func (m *LinearMemory) WriteCString(offset uint32, s string) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return m.Write(offset, buf)
}

func validWidth(width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	}
	return &WidthError{Width: width}
}

// ReadUint loads a little-endian unsigned integer of width bytes.
func (m *LinearMemory) ReadUint(offset uint32, width int) (uint64, error) {
	if err := validWidth(width); err != nil {
		return 0, err
	}
	view, err := m.View(offset, uint32(width))
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(view[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(view)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(view)), nil
	default:
		return binary.LittleEndian.Uint64(view), nil
	}
}

// WriteUint stores value as a little-endian unsigned integer of width bytes.
func (m *LinearMemory) WriteUint(offset uint32, width int, value uint64) error {
	if err := validWidth(width); err != nil {
		return err
	}
	if width < 8 && value>>(8*uint(width)) != 0 {
		return &OverflowError{Value: value, Width: width}
	}
	if err := m.check("write", offset, uint64(width)); err != nil {
		return err
	}
	if width == 1 {
		if !m.mem.WriteByte(offset, byte(value)) {
			return &BoundsError{Op: "write", Offset: uint64(offset), Length: 1, Size: m.mem.Size()}
		}
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(offset, buf[:width])
}

// ReadPointer loads a pointer field of the given address width.
func (m *LinearMemory) ReadPointer(offset uint32, width AddressWidth) (Pointer, error) {
	v, err := m.ReadUint(offset, int(width))
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, &BoundsError{Op: "pointer", Offset: v, Size: m.mem.Size()}
	}
	return Pointer(v), nil
}

// WritePointer stores p as a pointer field of the given address width.
func (m *LinearMemory) WritePointer(offset uint32, width AddressWidth, p Pointer) error {
	return m.WriteUint(offset, int(width), uint64(p))
}

// Grow adds deltaPages pages and returns the new size in bytes.
// Contents of previously valid addresses are preserved.
func (m *LinearMemory) Grow(deltaPages uint32) (uint32, error) {
	current := m.Pages()
	if uint64(current)+uint64(deltaPages) > uint64(m.maxPages) {
		return 0, &OutOfMemoryError{CurrentPages: current, DeltaPages: deltaPages, MaxPages: m.maxPages}
	}
	if _, ok := m.mem.Grow(deltaPages); !ok {
		return 0, &OutOfMemoryError{CurrentPages: current, DeltaPages: deltaPages, MaxPages: m.maxPages}
	}
	return m.mem.Size(), nil
}
