package memory

// Pointer is an unsigned offset into linear memory. It does not own the
// region it points at.
type Pointer uint32

// Completion flag values of a PendingResult.
const (
	FlagPending  byte = 0
	FlagComplete byte = 1
)

// Status values written when the status byte is enabled.
const (
	StatusOK     byte = 0
	StatusFailed byte = 1
)

// PendingResult is the decoded form of a result record.
type PendingResult struct {
	Flag    byte
	Pointer Pointer
	Length  uint32
	Status  byte
}

// Done reports whether the completion flag is set.
func (r PendingResult) Done() bool {
	return r.Flag == FlagComplete
}

// Failed reports whether the record completed without data because the
// operation failed. Without a status byte this cannot be told apart from an
// empty successful result.
func (r PendingResult) Failed() bool {
	return r.Done() && r.Status == StatusFailed
}

// ResultLayout describes the byte layout of a PendingResult record:
//
//	offset 0              completion flag (1 byte)
//	offset 1              pointer (Width bytes, little-endian)
//	offset 1+Width        length (4 bytes, little-endian)
//	offset 1+Width+4      status (1 byte, only when StatusByte is set)
type ResultLayout struct {
	Width      AddressWidth
	StatusByte bool
}

// Size returns the record size in bytes.
func (l ResultLayout) Size() uint32 {
	n := 1 + l.Width.Bytes() + 4
	if l.StatusByte {
		n++
	}
	return n
}

func (l ResultLayout) pointerOffset(at Pointer) uint32 { return uint32(at) + 1 }
func (l ResultLayout) lengthOffset(at Pointer) uint32  { return uint32(at) + 1 + l.Width.Bytes() }
func (l ResultLayout) statusOffset(at Pointer) uint32  { return uint32(at) + 1 + l.Width.Bytes() + 4 }

// Check validates that the whole record at at lies within memory.
func (l ResultLayout) Check(mem *LinearMemory, at Pointer) error {
	return mem.check("result", uint32(at), uint64(l.Size()))
}

// Reset zero-initializes the record, leaving it pending.
func (l ResultLayout) Reset(mem *LinearMemory, at Pointer) error {
	return mem.Fill(uint32(at), l.Size(), 0)
}

// Complete publishes a successful result. Pointer and length are written
// before the completion flag so a polling guest never sees a torn record.
func (l ResultLayout) Complete(mem *LinearMemory, at Pointer, ptr Pointer, length uint32) error {
	return l.publish(mem, at, ptr, length, StatusOK)
}

// Fail publishes the empty sentinel result: pointer 0, length 0, flag set.
func (l ResultLayout) Fail(mem *LinearMemory, at Pointer) error {
	return l.publish(mem, at, 0, 0, StatusFailed)
}

func (l ResultLayout) publish(mem *LinearMemory, at Pointer, ptr Pointer, length uint32, status byte) error {
	if err := l.Check(mem, at); err != nil {
		return err
	}
	if err := mem.WritePointer(l.pointerOffset(at), l.Width, ptr); err != nil {
		return err
	}
	if err := mem.WriteUint(l.lengthOffset(at), 4, uint64(length)); err != nil {
		return err
	}
	if l.StatusByte {
		if err := mem.WriteUint(l.statusOffset(at), 1, uint64(status)); err != nil {
			return err
		}
	}
	return mem.WriteUint(uint32(at), 1, uint64(FlagComplete))
}

// Load decodes the record at at. Pointer and length are only meaningful when
// the returned flag is FlagComplete.
func (l ResultLayout) Load(mem *LinearMemory, at Pointer) (PendingResult, error) {
	if err := l.Check(mem, at); err != nil {
		return PendingResult{}, err
	}
	flag, err := mem.ReadUint(uint32(at), 1)
	if err != nil {
		return PendingResult{}, err
	}
	r := PendingResult{Flag: byte(flag)}
	if r.Flag != FlagComplete {
		return r, nil
	}
	if r.Pointer, err = mem.ReadPointer(l.pointerOffset(at), l.Width); err != nil {
		return PendingResult{}, err
	}
	length, err := mem.ReadUint(l.lengthOffset(at), 4)
	if err != nil {
		return PendingResult{}, err
	}
	r.Length = uint32(length)
	if l.StatusByte {
		status, err := mem.ReadUint(l.statusOffset(at), 1)
		if err != nil {
			return PendingResult{}, err
		}
		r.Status = byte(status)
	}
	return r, nil
}

// Poll reports whether the record's completion flag is set.
func (l ResultLayout) Poll(mem *LinearMemory, at Pointer) (bool, error) {
	flag, err := mem.ReadUint(uint32(at), 1)
	if err != nil {
		return false, err
	}
	return byte(flag) == FlagComplete, nil
}
