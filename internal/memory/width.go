package memory

import (
	"fmt"
)

// AddressWidth is the size in bytes of a pointer-sized quantity on the host
// side of the marshalling boundary. It must match what the guest was compiled
// for; a mismatch that cannot be detected from the import signatures shows up
// as memory corruption, not as an error.
type AddressWidth uint8

const (
	Width32 AddressWidth = 4
	Width64 AddressWidth = 8
)

// ParseAddressWidth converts a configured byte count to an AddressWidth.
func ParseAddressWidth(n int) (AddressWidth, error) {
	switch n {
	case 4:
		return Width32, nil
	case 8:
		return Width64, nil
	default:
		return 0, fmt.Errorf("address width must be 4 or 8 bytes, got %d", n)
	}
}

// Bytes returns the width as a byte count.
func (w AddressWidth) Bytes() uint32 {
	return uint32(w)
}

func (w AddressWidth) String() string {
	return fmt.Sprintf("%d-bit", int(w)*8)
}
