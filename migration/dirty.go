package migration

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmm/memory"
)

var (
	errDirtyPayloadTooShort  = errors.New("dirty payload too short")
	errDirtyPayloadTruncated = errors.New("dirty payload truncated")
	errBitmapLengthNotMult8  = errors.New("bitmap length not a multiple of 8")
	errPageDataTruncated     = errors.New("page data truncated")
)

// DirtyRegion is the set of pages of one memory region written since the
// previous round. Pages holds the contents of the set bits of Bitmap, in
// bitmap order.
type DirtyRegion struct {
	Base   uint64
	Bitmap []uint64
	Pages  []byte
}

// CollectDirty packs the pages of mem marked in bitmap. The bitmap has to
// be fetched before mem is read.
func CollectDirty(base uint64, bitmap []uint64, mem []byte) DirtyRegion {
	pages := make([]byte, 0, memory.CountDirty(bitmap)*memory.PageSize)

	forEachDirty(bitmap, func(page int) {
		off := page * memory.PageSize
		if off+memory.PageSize <= len(mem) {
			pages = append(pages, mem[off:off+memory.PageSize]...)
		}
	})

	return DirtyRegion{Base: base, Bitmap: bitmap, Pages: pages}
}

// Apply copies the pages into mem, the host view of the region.
func (d DirtyRegion) Apply(mem []byte) error {
	if len(d.Pages) != memory.CountDirty(d.Bitmap)*memory.PageSize {
		return fmt.Errorf("%w: region %#x", errPageDataTruncated, d.Base)
	}

	var err error

	n := 0

	forEachDirty(d.Bitmap, func(page int) {
		off := page * memory.PageSize
		if off+memory.PageSize > len(mem) {
			err = fmt.Errorf("%w: page %d outside region %#x", ErrCorrupt, page, d.Base)

			return
		}

		copy(mem[off:off+memory.PageSize], d.Pages[n:n+memory.PageSize])
		n += memory.PageSize
	})

	return err
}

// Count returns the number of pages carried.
func (d DirtyRegion) Count() int { return memory.CountDirty(d.Bitmap) }

func forEachDirty(bitmap []uint64, fn func(page int)) {
	for wi, word := range bitmap {
		for bit := 0; word != 0; bit++ {
			if word&1 != 0 {
				fn(wi*64 + bit)
			}

			word >>= 1
		}
	}
}

// EncodeDirty lays out a MsgMemoryDirty payload:
//
//	[u32 regions] then per region [u64 base][u64 bitmap len][bitmap LE][pages]
func EncodeDirty(regions []DirtyRegion) []byte {
	n := 4
	for _, r := range regions {
		n += 16 + len(r.Bitmap)*8 + len(r.Pages)
	}

	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(regions)))

	for _, r := range regions {
		buf = binary.BigEndian.AppendUint64(buf, r.Base)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(r.Bitmap)*8))

		for _, w := range r.Bitmap {
			buf = binary.LittleEndian.AppendUint64(buf, w)
		}

		buf = append(buf, r.Pages...)
	}

	return buf
}

// DecodeDirty splits a MsgMemoryDirty payload. Pages alias payload.
func DecodeDirty(payload []byte) ([]DirtyRegion, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrCorrupt, errDirtyPayloadTooShort, len(payload))
	}

	count := binary.BigEndian.Uint32(payload)
	payload = payload[4:]

	var regions []DirtyRegion

	for i := uint32(0); i < count; i++ {
		if len(payload) < 16 {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, errDirtyPayloadTruncated)
		}

		base := binary.BigEndian.Uint64(payload)
		bitmapLen := binary.BigEndian.Uint64(payload[8:])
		payload = payload[16:]

		if bitmapLen%8 != 0 {
			return nil, fmt.Errorf("%w: %w: %d", ErrCorrupt, errBitmapLengthNotMult8, bitmapLen)
		}

		if uint64(len(payload)) < bitmapLen {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, errDirtyPayloadTruncated)
		}

		bitmap := make([]uint64, bitmapLen/8)
		for j := range bitmap {
			bitmap[j] = binary.LittleEndian.Uint64(payload[j*8:])
		}

		payload = payload[bitmapLen:]

		size := memory.CountDirty(bitmap) * memory.PageSize
		if len(payload) < size {
			return nil, fmt.Errorf("%w: %w: region %#x", ErrCorrupt, errPageDataTruncated, base)
		}

		regions = append(regions, DirtyRegion{Base: base, Bitmap: bitmap, Pages: payload[:size]})
		payload = payload[size:]
	}

	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload))
	}

	return regions, nil
}
