package blockprotect

import (
	"context"
	"errors"
	"fmt"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/statusreg"
)

// ErrHardwareProtected is returned when the WP pin holds the lock bits
// and software cannot clear them.
var ErrHardwareProtected = errors.New("blockprotect: hardware protection is active, disabling write protection is impossible")

// ErrNoMatchingRange is returned when no representable bitfield decodes
// to the requested protected range on this chip.
var ErrNoMatchingRange = errors.New("blockprotect: no protection bitfield matches the requested range")

// ReadBits reads the chip's current status register(s), as many as l
// declares, and extracts the BP/TB/SEC/CMP bits named within (§4.B ->
// §4.C handoff: "Status-Register Model (B) and Block-Protect Decoder
// (C) expose what is writable").
func ReadBits(ctx context.Context, dev statusreg.Device, l *statusreg.Layout) (Bits, error) {
	var sr [3]byte
	for n := statusreg.SR1; int(n) < l.NumRegisters; n++ {
		v, err := statusreg.Read(ctx, dev, n)
		if err != nil {
			return Bits{}, err
		}
		sr[n] = v
	}
	return bitsFromRegisters(l, sr), nil
}

func bitsFromRegisters(l *statusreg.Layout, sr [3]byte) Bits {
	maxBP := -1
	for reg := 0; reg < l.NumRegisters; reg++ {
		for _, bit := range l.Registers[reg] {
			if bit >= statusreg.BitBP0 && bit <= statusreg.BitBP4 {
				if idx := int(bit - statusreg.BitBP0); idx > maxBP {
					maxBP = idx
				}
			}
		}
	}

	var b Bits
	if maxBP >= 0 {
		b.BP = make([]bool, maxBP+1)
	}
	for reg := 0; reg < l.NumRegisters; reg++ {
		for i, bit := range l.Registers[reg] {
			set := sr[reg]&(1<<uint(i)) != 0
			switch {
			case bit >= statusreg.BitBP0 && bit <= statusreg.BitBP4:
				b.BP[int(bit-statusreg.BitBP0)] = set
			case bit == statusreg.BitTB:
				b.TB, b.TBPresent = set, true
			case bit == statusreg.BitSEC:
				b.SEC, b.SECPresent = set, true
			case bit == statusreg.BitCMP:
				b.CMP, b.CMPPresent = set, true
			}
		}
	}
	return b
}

// CurrentProtectedRange reads the chip's live status register and
// decodes the byte range it currently protects (§2 dataflow: "Before
// any mutation, Status-Register Model (B) and Block-Protect Decoder
// (C) expose what is writable").
func CurrentProtectedRange(ctx context.Context, dev statusreg.Device, wp *chip.WriteProtectDescriptor, l *statusreg.Layout, chipLen uint64) (chip.ProtectRange, error) {
	bits, err := ReadBits(ctx, dev, l)
	if err != nil {
		return chip.ProtectRange{}, err
	}
	return Decode(wp.Strategy, bits, chipLen), nil
}

// Disable clears all block protection, the same sequence as the
// original's generic disable: return early when no BP bit is set,
// clear the lock-register bits first (refusing when the hardware WP
// pin pins them), then write status &^ (bp|lock) & unprotectMask and
// verify by re-reading (§4.C "Disable path"). unprotectMask is a
// per-chip constant, 0xFF on most parts but carrying specific zero
// bits on chips whose global unprotect has side effects.
func Disable(ctx context.Context, dev statusreg.Device, bpMask, lockMask, wpMask, unprotectMask uint8) error {
	status, err := statusreg.Read(ctx, dev, statusreg.SR1)
	if err != nil {
		return err
	}
	if status&bpMask == 0 {
		return nil
	}

	if status&lockMask != 0 {
		if wpMask != 0 && status&wpMask == 0 {
			return ErrHardwareProtected
		}
		if err := statusreg.Write(ctx, dev, statusreg.SR1, status&^lockMask); err != nil {
			return err
		}
		status, err = statusreg.Read(ctx, dev, statusreg.SR1)
		if err != nil {
			return err
		}
		if status&lockMask != 0 {
			return fmt.Errorf("blockprotect: unsetting lock bit(s) failed")
		}
	}

	if err := statusreg.Write(ctx, dev, statusreg.SR1, status&^(bpMask|lockMask)&unprotectMask); err != nil {
		return err
	}
	status, err = statusreg.Read(ctx, dev, statusreg.SR1)
	if err != nil {
		return err
	}
	if status&bpMask != 0 {
		return fmt.Errorf("blockprotect: block protection could not be disabled")
	}
	return nil
}

type bitPos struct {
	reg statusreg.RegisterNum
	bit uint
}

// protectionBitPositions maps each concatenated-bitfield index (BP
// bits ascending, then TB, SEC, CMP) to its register and bit position
// in the chip's layout.
func protectionBitPositions(wp *chip.WriteProtectDescriptor, l *statusreg.Layout) ([]bitPos, bool) {
	find := func(want statusreg.Bit) (bitPos, bool) {
		for reg := 0; reg < l.NumRegisters; reg++ {
			for i, b := range l.Registers[reg] {
				if b == want {
					return bitPos{statusreg.RegisterNum(reg), uint(i)}, true
				}
			}
		}
		return bitPos{}, false
	}

	positions := make([]bitPos, 0, 8)
	for i := 0; i < int(wp.BPBits); i++ {
		p, ok := find(statusreg.BitBP0 + statusreg.Bit(i))
		if !ok {
			return nil, false
		}
		positions = append(positions, p)
	}
	for _, opt := range []struct {
		present bool
		bit     statusreg.Bit
	}{{wp.HasTB, statusreg.BitTB}, {wp.HasSEC, statusreg.BitSEC}, {wp.HasCMP, statusreg.BitCMP}} {
		if !opt.present {
			continue
		}
		p, ok := find(opt.bit)
		if !ok {
			return nil, false
		}
		positions = append(positions, p)
	}
	return positions, true
}

// WriteRange programs the protection bits so that exactly want is
// protected: the bitfield comes from InverseDecode and only the
// BP/TB/SEC/CMP bit positions named by the layout are touched; every
// other status bit is written back unchanged (§4.C "write the affected
// bits without disturbing others").
func WriteRange(ctx context.Context, dev statusreg.Device, wp *chip.WriteProtectDescriptor, l *statusreg.Layout, want chip.ProtectRange, chipLen uint64) error {
	bf, ok := InverseDecode(wp, want, chipLen)
	if !ok {
		return ErrNoMatchingRange
	}
	positions, ok := protectionBitPositions(wp, l)
	if !ok {
		return fmt.Errorf("blockprotect: status-register layout does not name every protection bit")
	}

	var regs [3]byte
	for n := statusreg.SR1; int(n) < l.NumRegisters; n++ {
		v, err := statusreg.Read(ctx, dev, n)
		if err != nil {
			return err
		}
		regs[n] = v
	}

	updated := regs
	for i, p := range positions {
		if bf&(1<<uint(i)) != 0 {
			updated[p.reg] |= 1 << p.bit
		} else {
			updated[p.reg] &^= 1 << p.bit
		}
	}

	for n := statusreg.SR1; int(n) < l.NumRegisters; n++ {
		if updated[n] == regs[n] {
			continue
		}
		if err := statusreg.Write(ctx, dev, n, updated[n]); err != nil {
			return err
		}
	}
	return nil
}
