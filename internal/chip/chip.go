// Package chip describes a supported flash part: its geometry, erase
// blocks, write granularity and the function-pointer-style hooks a
// transport binds to it.
//
// Modeled on the teacher's plain immutable descriptor style
// (emu/device.Device as a capability interface, statically built tables)
// rather than a reflection- or tag-driven config object.
package chip

import (
	"sort"
	"strings"

	"github.com/flashprog/flashprog/internal/statusreg"
)

// BusType is a bitmask of transports a chip can be driven over.
type BusType uint8

const (
	BusNone     BusType = 0
	BusParallel BusType = 1 << 0
	BusLPC      BusType = 1 << 1
	BusFWH      BusType = 1 << 2
	BusSPI      BusType = 1 << 3
	BusProg     BusType = 1 << 4

	BusNonSPI = BusParallel | BusLPC | BusFWH
)

// String renders the set bits as a slash-separated list, used by the
// CLI's chip listing.
func (b BusType) String() string {
	if b == BusNone {
		return "none"
	}
	var names []string
	for mask, name := range map[BusType]string{
		BusParallel: "parallel",
		BusLPC:      "LPC",
		BusFWH:      "FWH",
		BusSPI:      "SPI",
		BusProg:     "Prog",
	} {
		if b&mask != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "/")
}

// WriteGranularity mirrors enum write_granularity from the original
// flash.h: the smallest transition a chip's write function can impose
// without an erase.
type WriteGranularity int

const (
	WriteGran256Bytes WriteGranularity = iota
	WriteGran1Bit
	WriteGran1Byte
	WriteGran128Bytes
	WriteGran264Bytes
	WriteGran512Bytes
	WriteGran528Bytes
	WriteGran1024Bytes
	WriteGran1056Bytes
	WriteGran64KBytes
	WriteGran1ByteImplicitErase
)

// TestState records how well exercised a chip operation is, same quad
// used by the original flashchip database (OK/untested/bad/dep/n-a).
type TestState int

const (
	TestUnknown TestState = iota
	TestOK
	TestUntested
	TestBad
	TestDep
	TestNA
)

func (t TestState) String() string {
	switch t {
	case TestOK:
		return "OK"
	case TestUntested:
		return "untested"
	case TestBad:
		return "bad"
	case TestDep:
		return "dep"
	case TestNA:
		return "N/A"
	default:
		return "?"
	}
}

// TestedState is the probe/read/erase/write quad.
type TestedState struct {
	Probe TestState
	Read  TestState
	Erase TestState
	Write TestState
}

// Feature flags, non-exhaustive: only the ones the core engine reasons
// about directly. Driver-specific ID/electrical sequences are an opaque
// collaborator and are not modeled here.
type Feature uint32

const (
	FeatureNone Feature = 0
	// FeatureOTP marks chips that carry a one-time-programmable region.
	FeatureOTP Feature = 1 << iota
	// FeatureNoErase marks chips that cannot erase at all; writes must
	// rely on implicit-erase write semantics.
	FeatureNoErase
	// Feature4BA marks chips capable of native 4-byte addressing.
	Feature4BA
	// FeatureEraseAsZero marks chips whose erased value is 0x00 instead
	// of the usual 0xFF (e.g. some ENE-KB9012-style EC parts).
	FeatureEraseAsZero
)

// EraseRegion is one contiguous run of same-sized erase blocks.
type EraseRegion struct {
	BlockSize uint32
	Count     uint32
}

// Handle is the minimal chip-access surface a descriptor's function
// pointers are bound against. internal/chipio.Context implements it; the
// chip package itself stays free of any transport dependency.
type Handle interface {
	Descriptor() *Descriptor
	DelayMicroseconds(us int)
}

// EraseFunc erases one block at [start, start+size) on the given handle.
// addr is the chip-relative start offset, size the block size in bytes.
type EraseFunc func(h Handle, addr uint32, size uint32) error

// BlockEraser is one of up to 8 distinct granularities a chip supports,
// each a short list of EraseRegions whose sizes multiply out to exactly
// the chip's total size.
type BlockEraser struct {
	Regions [5]EraseRegion
	// NumRegions is the number of entries in Regions that are populated.
	NumRegions int
	Erase      EraseFunc
}

// TotalBytes returns the sum of region.BlockSize*region.Count for this
// eraser, used to validate Σ(size·count) == chip.TotalSize (§8 invariant).
func (b BlockEraser) TotalBytes() uint64 {
	var total uint64
	for i := 0; i < b.NumRegions; i++ {
		total += uint64(b.Regions[i].BlockSize) * uint64(b.Regions[i].Count)
	}
	return total
}

// ReadFunc and WriteFunc are the chip's bound read/write hooks, taking a
// Handle (the opened chip context) rather than a bare pointer.
type ReadFunc func(h Handle, buf []byte, addr uint32) error
type WriteFunc func(h Handle, buf []byte, addr uint32) error
type ProbeFunc func(h Handle) (bool, error)
type LockFunc func(h Handle) error

// Descriptor is the immutable per-part database entry (§3 "Chip
// descriptor"). It is cloned (shallow copy; function fields and the
// StatusRegisters, WriteProtect and OTP pointers stay shared) into a
// Context at probe time.
type Descriptor struct {
	Vendor string
	Name   string

	// JEDEC identification.
	ManufactureID uint16
	ModelID       uint16

	TotalSize uint64 // bytes
	PageSize  uint32 // bytes

	Bus      BusType
	Features Feature

	WriteGranularity WriteGranularity

	Erasers    [8]BlockEraser
	NumErasers int

	Probe     ProbeFunc
	Read      ReadFunc
	Write     WriteFunc
	PrintLock LockFunc // optional
	Unlock    LockFunc // optional

	StatusRegisters *statusreg.Layout       // optional
	WriteProtect    *WriteProtectDescriptor // optional
	OTP             *OTPDescriptor          // optional

	Tested TestedState

	VoltageMin uint16 // millivolts
	VoltageMax uint16

	// ErasedValue is the byte value read back after a successful erase;
	// 0xFF unless FeatureEraseAsZero is set.
	ErasedValue byte
}

// BPDecodeStrategy selects one of the four range-decoding strategies
// described in the block-protect component (§4.C).
type BPDecodeStrategy int

const (
	// BPStrategyGeneric25 is the "generic 25-series" coefficient rule:
	// c = 2^(bp-1), base unit 4KiB (SEC=1) or 64KiB, clamped at chip size.
	BPStrategyGeneric25 BPDecodeStrategy = iota
	// BPStrategyFixed64K never inflates the base unit on large chips.
	BPStrategyFixed64K
	// BPStrategyCMPInvertsBP XORs bp with the all-ones BP mask first when
	// CMP=1, then applies BPStrategyGeneric25 unchanged.
	BPStrategyCMPInvertsBP
	// BPStrategyDoubleBlock uses c = 2^bp (no -1 offset).
	BPStrategyDoubleBlock
)

// WriteProtectDescriptor captures how a chip's BP/CMP/TB/SEC status bits
// map to a protected (start, len) range, either through a fixed table or
// a generator function, plus how to compute the BP field's bit mask.
type WriteProtectDescriptor struct {
	Strategy BPDecodeStrategy

	// Table, if non-nil, is indexed by the concatenated bitfield
	// (bp|tb<<bpwidth|sec<<(bpwidth+1)|cmp<<(bpwidth+2)) and overrides
	// Strategy-based computation for chips with irregular layouts.
	Table map[uint8]ProtectRange

	// BPBits is the number of BP bits in the status register (usually
	// 4 or 5).
	BPBits uint8
	HasTB  bool
	HasSEC bool
	HasCMP bool

	// BitMask returns the mask of bits occupied by the BP field alone.
	BitMask func(d *Descriptor) uint8
}

// ProtectRange is a protected (start, len) byte range.
type ProtectRange struct {
	Start uint64
	Len   uint64
}

// OTPDescriptor declares the one-time-programmable region layout and the
// lock convention a chip uses (§4.H).
type OTPDescriptor struct {
	// NumRegions is how many independently lockable OTP regions exist.
	NumRegions int
	// RegionSize is the size in bytes of each OTP region.
	RegionSize uint32

	// LockConvention selects how locking is expressed in hardware.
	LockConvention OTPLockConvention

	EnterOpcode byte
	ExitOpcode  byte
	// ProgramOpcode/ReadOpcode/EraseOpcode embed the region index per
	// family; Family is an opaque tag the transport driver switches on.
	Family string
}

// OTPLockConvention distinguishes the two lock schemes described in §4.H.
type OTPLockConvention int

const (
	// OTPLockSRP0 treats SRP0, written while in OTP mode, as the
	// permanent region-lock bit (EON family).
	OTPLockSRP0 OTPLockConvention = iota
	// OTPLockLB uses dedicated LB1..LB3 bits in SR2 (GigaDevice/Winbond).
	OTPLockLB
)

// EffectiveErasedValue returns 0xFF, or 0x00 for EraseAsZero chips.
func (d *Descriptor) EffectiveErasedValue() byte {
	if d.Features&FeatureEraseAsZero != 0 {
		return 0x00
	}
	if d.ErasedValue == 0 && d.Features&FeatureEraseAsZero == 0 {
		return 0xFF
	}
	return d.ErasedValue
}

// Clone makes a shallow copy of a database Descriptor for use by a
// session Context. Function pointer fields are shared (they are stateless
// closures over constants), as are the StatusRegisters, WriteProtect and
// OTP pointers; the remaining top-level fields are value copies.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	return &c
}
