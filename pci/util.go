package pci

import "encoding/binary"

// SizeToBits returns the BAR size mask the guest reads back after writing
// all ones to a 32-bit BAR of the given size.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian access of up to 8 bytes.
func BytesToNum(b []byte) uint64 {
	var buf [8]byte

	copy(buf[:], b)

	return binary.LittleEndian.Uint64(buf[:])
}

// putBytes copies the bytes of a 32-bit register starting at byte offset
// into data.
func putBytes(data []byte, value uint32, offset uint64) {
	for i := range data {
		shift := (offset + uint64(i)) * 8
		if shift >= 32 {
			data[i] = 0xff

			continue
		}

		data[i] = byte(value >> shift)
	}
}
