// Package blockprotect decodes the BP/TB/SEC/CMP status-register bits
// into a protected (start, len) byte range and back (§4.C), grounded
// directly on original_source/writeprotect_ranges.c's
// decode_range_generic and its four named instantiations.
package blockprotect

import "github.com/flashprog/flashprog/internal/chip"

// Bits is the decoded state of the protection-relevant status bits for
// one evaluation: the BP field as a little-endian array of booleans plus
// the optional TB/SEC/CMP bits.
type Bits struct {
	BP         []bool // index 0 is the LSB of the BP field
	TB         bool
	TBPresent  bool
	SEC        bool
	SECPresent bool
	CMP        bool
	CMPPresent bool
}

func bpValue(bp []bool) (value, max uint64) {
	for i, b := range bp {
		if b {
			value |= 1 << uint(i)
		}
		max |= 1 << uint(i)
	}
	return value, max
}

// Decode maps Bits to a protected range using the strategy declared for
// this chip (§4.C strategies 1-4).
func Decode(strategy chip.BPDecodeStrategy, bits Bits, chipLen uint64) chip.ProtectRange {
	switch strategy {
	case chip.BPStrategyFixed64K:
		return decodeGeneric(bits, chipLen, true, false, 1)
	case chip.BPStrategyCMPInvertsBP:
		return decodeGeneric(bits, chipLen, false, true, 1)
	case chip.BPStrategyDoubleBlock:
		return decodeGeneric(bits, chipLen, false, false, 0)
	default: // BPStrategyGeneric25
		return decodeGeneric(bits, chipLen, false, false, 1)
	}
}

const (
	kib = 1024
	mib = 1024 * kib
)

func decodeGeneric(bits Bits, chipLen uint64, fixedBlockLen, applyCMPToBP bool, coeffOffset uint) chip.ProtectRange {
	cmp := bits.CMPPresent && bits.CMP

	bp, bpMax := bpValue(bits.BP)
	if cmp && applyCMPToBP {
		bp ^= bpMax
	}

	var length uint64
	switch {
	case bp == 0:
		length = 0
	case bp == bpMax:
		length = chipLen
	default:
		coeff := uint64(1) << (bp - uint64(coeffOffset))
		maxCoeff := uint64(1) << (bpMax - uint64(coeffOffset) - 1)

		const sectorLen = 4 * kib
		const defaultBlockLen = 64 * kib

		if bits.SECPresent && bits.SEC {
			length = minU(sectorLen*coeff, defaultBlockLen/2)
		} else {
			blockLen := uint64(defaultBlockLen)
			if !fixedBlockLen {
				minBlockLen := chipLen / 2 / maxCoeff
				blockLen = maxU(minBlockLen, defaultBlockLen)
			}
			length = minU(blockLen*coeff, chipLen)
		}
	}

	protectTop := true
	if bits.TBPresent {
		protectTop = !bits.TB
	}

	if cmp {
		length = chipLen - length
		protectTop = !protectTop
	}

	start := uint64(0)
	if protectTop && length > 0 {
		start = chipLen - length
	}
	return chip.ProtectRange{Start: start, Len: length}
}

func minU(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// InverseDecode enumerates a chip's write-protect table (or re-evaluates
// its generator across all representable bitfields) until it finds an
// exact (start,len) match, returning the concatenated bitfield or ok=false
// (§4.C "Inverse mapping").
func InverseDecode(wp *chip.WriteProtectDescriptor, want chip.ProtectRange, chipLen uint64) (bitfield uint8, ok bool) {
	if wp.Table != nil {
		for bf, r := range wp.Table {
			if r == want {
				return bf, true
			}
		}
		return 0, false
	}

	width := int(wp.BPBits)
	if wp.HasTB {
		width++
	}
	if wp.HasSEC {
		width++
	}
	if wp.HasCMP {
		width++
	}
	limit := 1 << width
	for bf := 0; bf < limit; bf++ {
		bits := unpackBitfield(wp, uint8(bf))
		r := Decode(wp.Strategy, bits, chipLen)
		if r == want {
			return uint8(bf), true
		}
	}
	return 0, false
}

func unpackBitfield(wp *chip.WriteProtectDescriptor, bf uint8) Bits {
	var b Bits
	b.BP = make([]bool, wp.BPBits)
	for i := range b.BP {
		b.BP[i] = bf&(1<<uint(i)) != 0
	}
	pos := wp.BPBits
	if wp.HasTB {
		b.TBPresent = true
		b.TB = bf&(1<<pos) != 0
		pos++
	}
	if wp.HasSEC {
		b.SECPresent = true
		b.SEC = bf&(1<<pos) != 0
		pos++
	}
	if wp.HasCMP {
		b.CMPPresent = true
		b.CMP = bf&(1<<pos) != 0
	}
	return b
}

// GenerateCommonTable builds the fixed lookup table for a chip that uses
// one of the four strategies across its full bitfield space, used by
// chips that declare a table instead of a live generator (§4.C "table
// generator for common patterns").
func GenerateCommonTable(strategy chip.BPDecodeStrategy, bpBits uint8, hasTB, hasSEC, hasCMP bool, chipLen uint64) map[uint8]chip.ProtectRange {
	wp := &chip.WriteProtectDescriptor{
		Strategy: strategy,
		BPBits:   bpBits,
		HasTB:    hasTB,
		HasSEC:   hasSEC,
		HasCMP:   hasCMP,
	}
	width := uint(bpBits)
	if hasTB {
		width++
	}
	if hasSEC {
		width++
	}
	if hasCMP {
		width++
	}
	n := 1 << width
	table := make(map[uint8]chip.ProtectRange, n)
	for bf := 0; bf < n; bf++ {
		table[uint8(bf)] = Decode(strategy, unpackBitfield(wp, uint8(bf)), chipLen)
	}
	return table
}
