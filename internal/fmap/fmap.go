// Package fmap discovers and parses a firmware-map structure (§4.E) in an
// in-memory buffer or on a chip, using a binary-stride probe followed by
// a linear fallback scan.
//
// Grounded directly on original_source/fmap.c: is_valid_fmap,
// fmap_lsearch and fmap_bsearch_rom. The binary struct layout is decoded
// with encoding/binary (see SPEC_FULL.md §4 for why this stays stdlib
// rather than reaching for a third-party binary-struct library).
package fmap

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Signature        = "__FMAP__"
	VerMajor         = 1
	strlen           = 32
	headerSize       = 8 + 1 + 1 + 8 + 4 + strlen + 2 // signature..nareas
	areaSize         = 4 + 4 + strlen + 2
	minStrideDefault = 256
)

// Area is one named region described by the FMAP (§3).
type Area struct {
	Offset uint32
	Size   uint32
	Name   string
	Flags  uint16
}

// FMAP is the decoded firmware map.
type FMAP struct {
	VerMajor byte
	VerMinor byte
	Base     uint64
	Size     uint32
	Name     string
	Areas    []Area
}

// Errors distinguished per §4.E / §7.
var (
	ErrNotFound      = errors.New("fmap: not found")
	ErrTruncated     = errors.New("fmap: truncated")
	ErrHeaderInvalid = errors.New("fmap: header signature matched but fields are invalid")
)

// ReadFromBuffer scans buf for the signature at every byte offset and
// validates the first candidate found (§4.E).
func ReadFromBuffer(buf []byte) (*FMAP, error) {
	offset, err := lsearch(buf)
	if err != nil {
		return nil, err
	}
	return decode(buf[offset:])
}

func lsearch(buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, ErrNotFound
	}
	sig := []byte(Signature)
	for offset := 0; offset <= len(buf)-headerSize; offset++ {
		if bytes.Equal(buf[offset:offset+len(sig)], sig) {
			if isValidHeader(buf[offset:]) {
				if !fitsInBuffer(buf[offset:], len(buf)-offset) {
					return 0, ErrTruncated
				}
				return offset, nil
			}
			// A signature match with invalid fields elsewhere in the
			// buffer is not necessarily the fmap; keep scanning, as
			// the source's linear pass does (strings containing the
			// magic by coincidence are common, per is_valid_fmap's
			// comment).
			continue
		}
	}
	return 0, ErrNotFound
}

func isValidHeader(b []byte) bool {
	if len(b) < headerSize {
		return false
	}
	if !bytes.Equal(b[:8], []byte(Signature)) {
		return false
	}
	if b[8] != VerMajor {
		return false
	}
	name := b[22:54]
	if !printableNullTerminated(name) {
		return false
	}
	declaredSize := binary.LittleEndian.Uint32(b[18:22])
	nareas := binary.LittleEndian.Uint16(b[54:56])
	needed := uint32(headerSize) + uint32(nareas)*areaSize
	return declaredSize >= needed
}

func printableNullTerminated(b []byte) bool {
	for i, c := range b {
		if c == 0 {
			return true
		}
		if c < 0x21 || c > 0x7e {
			return false
		}
		if i == len(b)-1 {
			return false
		}
	}
	return false
}

func fitsInBuffer(b []byte, available int) bool {
	if len(b) < headerSize {
		return false
	}
	nareas := binary.LittleEndian.Uint16(b[54:56])
	total := headerSize + int(nareas)*areaSize
	return total <= available
}

func decode(b []byte) (*FMAP, error) {
	if !isValidHeader(b) {
		return nil, ErrHeaderInvalid
	}
	nareas := int(binary.LittleEndian.Uint16(b[54:56]))
	total := headerSize + nareas*areaSize
	if total > len(b) {
		return nil, ErrTruncated
	}
	f := &FMAP{
		VerMajor: b[8],
		VerMinor: b[9],
		Base:     binary.LittleEndian.Uint64(b[10:18]),
		Size:     binary.LittleEndian.Uint32(b[18:22]),
		Name:     nullTerminatedString(b[22:54]),
	}
	off := headerSize
	for i := 0; i < nareas; i++ {
		a := b[off : off+areaSize]
		f.Areas = append(f.Areas, Area{
			Offset: binary.LittleEndian.Uint32(a[0:4]),
			Size:   binary.LittleEndian.Uint32(a[4:8]),
			Name:   nullTerminatedString(a[8:40]),
			Flags:  binary.LittleEndian.Uint16(a[40:42]),
		})
		off += areaSize
	}
	return f, nil
}

func nullTerminatedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ChipReader is the minimal chip-read surface needed for ROM scanning;
// satisfied by internal/chipio.Context.
type ChipReader interface {
	ReadAt(ctx context.Context, buf []byte, addr uint32) error
}

// ReadFromROM locates an FMAP on the chip starting with a binary-stride
// probe, falling back to a full linear scan of [romOffset, romOffset+len)
// on failure (§4.E). Read errors at a single candidate are non-fatal; a
// signature match with an invalid header is a hard error.
func ReadFromROM(ctx context.Context, r ChipReader, chipSize uint64, romOffset, length uint32, minStride uint32) (*FMAP, error) {
	if minStride == 0 {
		minStride = minStrideDefault
	}
	if uint64(romOffset)+uint64(length) > chipSize {
		return nil, fmt.Errorf("fmap: requested range exceeds chip size")
	}
	if length < headerSize {
		return nil, ErrNotFound
	}

	if f, err := bsearchROM(ctx, r, chipSize, romOffset, length, minStride); err == nil {
		return f, nil
	} else if errors.Is(err, ErrHeaderInvalid) {
		return nil, err
	}

	buf := make([]byte, length)
	if err := r.ReadAt(ctx, buf, romOffset); err != nil {
		return nil, fmt.Errorf("fmap: linear fallback read: %w", err)
	}
	return ReadFromBuffer(buf)
}

func bsearchROM(ctx context.Context, r ChipReader, chipSize uint64, romOffset, length, minStride uint32) (*FMAP, error) {
	sigLen := len(Signature)
	checkOffsetZero := true

	for stride := uint32(chipSize / 2); stride >= minStride; stride /= 2 {
		if uint64(stride) > uint64(length) {
			continue
		}
		for offset := romOffset; offset <= romOffset+length-headerSize; offset += stride {
			if offset%(stride*2) == 0 && offset != 0 {
				continue
			}
			if offset == 0 && !checkOffsetZero {
				continue
			}
			checkOffsetZero = false

			sig := make([]byte, sigLen)
			if err := r.ReadAt(ctx, sig, offset); err != nil {
				continue
			}
			if !bytes.Equal(sig, []byte(Signature)) {
				continue
			}
			header := make([]byte, headerSize)
			if err := r.ReadAt(ctx, header, offset); err != nil {
				continue
			}
			if !isValidHeader(header) {
				return nil, ErrHeaderInvalid
			}
			nareas := int(binary.LittleEndian.Uint16(header[54:56]))
			full := make([]byte, headerSize+nareas*areaSize)
			if err := r.ReadAt(ctx, full, offset); err != nil {
				return nil, fmt.Errorf("fmap: reading full header at %#x: %w", offset, err)
			}
			return decode(full)
		}
		if stride == 0 {
			break
		}
	}
	return nil, ErrNotFound
}
