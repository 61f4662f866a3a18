// Package otp implements one-time-programmable security-register
// access (§4.H): enter/exit OTP mode with block-protect preservation,
// per-region read/program/erase, and the two lock conventions chips use
// to mark a region permanently locked.
//
// Grounded directly on original_source/otp.c: the Eon family
// (enter_otp_mode/exit_otp_mode/eon_lock_generic, SRP0-as-lock) and the
// GigaDevice/Winbond family (gd_w_get_otp_bit/gd_w_set_otp_bit, dedicated
// LB1..LB3 bits never cleared).
package otp

import (
	"context"
	"fmt"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/statusreg"
)

// Handle is the chip-access surface OTP operations need.
type Handle interface {
	chip.Handle
	statusreg.Device
	Read(ctx context.Context, buf []byte, addr uint32) error
	Write(ctx context.Context, buf []byte, addr uint32) error
	EraseRegion(ctx context.Context, addr uint32, size uint32) error
	EnterOTPMode(ctx context.Context) error
	ExitOTPMode(ctx context.Context) error
}

var (
	ErrRegionOutOfRange = fmt.Errorf("otp: region index out of range")
	ErrOutOfBounds      = fmt.Errorf("otp: start+len exceeds region size")
	ErrLocked           = fmt.Errorf("otp: region is permanently locked")
	ErrNoLockBit        = fmt.Errorf("otp: chip declares no lock bit for this region")
)

// Region describes one OTP/security-register region's address and
// lock-bit binding, held outside chip.OTPDescriptor since it is
// per-chip-instance data rather than a family-wide shape.
type Region struct {
	Addr      uint32
	Size      uint32
	StatusBit statusreg.Bit
	RegNum    statusreg.RegisterNum
}

func checkRange(regions []Region, region int, startByte, length uint32) error {
	if region < 0 || region >= len(regions) {
		return ErrRegionOutOfRange
	}
	if startByte+length > regions[region].Size {
		return ErrOutOfBounds
	}
	return nil
}

// bpState is the saved block-protect bitfield across an OTP session,
// matching the Eon family's bp_bitfield/to_restore globals but scoped to
// one call instead of held in package state.
type bpState struct {
	saved   bool
	bitmask uint8
	value   uint8
}

func saveBP(ctx context.Context, h Handle, l *statusreg.Layout) (bpState, error) {
	sr1, err := statusreg.Read(ctx, h, statusreg.SR1)
	if err != nil {
		return bpState{}, err
	}
	mask := bpBitmask(l)
	if sr1&mask == 0 {
		return bpState{}, nil
	}
	return bpState{saved: true, bitmask: mask, value: sr1 & mask}, nil
}

func restoreBP(ctx context.Context, h Handle, s bpState) error {
	if !s.saved {
		return nil
	}
	sr1, err := statusreg.Read(ctx, h, statusreg.SR1)
	if err != nil {
		return err
	}
	return statusreg.Write(ctx, h, statusreg.SR1, (sr1&^s.bitmask)|s.value)
}

func bpBitmask(l *statusreg.Layout) uint8 {
	var mask uint8
	for i, b := range l.Registers[statusreg.SR1] {
		switch b {
		case statusreg.BitBP0, statusreg.BitBP1, statusreg.BitBP2, statusreg.BitBP3, statusreg.BitBP4:
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// EnterMode clears any set BP bits (saving them for ExitMode to
// restore) then issues the chip's enter-OTP-mode command, mirroring
// enter_otp_mode's "save, then unset" behavior (§4.H).
func EnterMode(ctx context.Context, h Handle, l *statusreg.Layout) (bpState, error) {
	saved, err := saveBP(ctx, h, l)
	if err != nil {
		return bpState{}, fmt.Errorf("otp: saving block-protect state: %w", err)
	}
	if saved.saved {
		sr1, err := statusreg.Read(ctx, h, statusreg.SR1)
		if err != nil {
			return bpState{}, fmt.Errorf("otp: clearing block-protect bits: %w", err)
		}
		if err := statusreg.Write(ctx, h, statusreg.SR1, sr1&^saved.bitmask); err != nil {
			return bpState{}, fmt.Errorf("otp: clearing block-protect bits: %w", err)
		}
	}
	if err := h.EnterOTPMode(ctx); err != nil {
		return bpState{}, err
	}
	return saved, nil
}

// ExitMode issues the chip's exit command and restores any block-protect
// bits EnterMode cleared (§4.H).
func ExitMode(ctx context.Context, h Handle, saved bpState) error {
	if err := h.ExitOTPMode(ctx); err != nil {
		return fmt.Errorf("otp: exiting OTP mode: %w", err)
	}
	return restoreBP(ctx, h, saved)
}

// Status reports whether the region's lock bit is set, dispatching on
// the chip's declared lock convention (§4.H "two lock conventions").
func Status(ctx context.Context, h Handle, od *chip.OTPDescriptor, regions []Region, region int) (bool, error) {
	if region < 0 || region >= len(regions) {
		return false, ErrRegionOutOfRange
	}
	r := regions[region]

	switch od.LockConvention {
	case chip.OTPLockSRP0:
		saved, err := EnterMode(ctx, h, h.Descriptor().StatusRegisters)
		if err != nil {
			return false, err
		}
		defer ExitMode(ctx, h, saved)
		sr, err := statusreg.Read(ctx, h, statusreg.SR1)
		if err != nil {
			return false, err
		}
		pos, ok := bitPosition(h.Descriptor().StatusRegisters, statusreg.SR1, statusreg.BitSRP0)
		if !ok {
			return false, ErrNoLockBit
		}
		return sr&(1<<uint(pos)) != 0, nil

	default: // chip.OTPLockLB
		pos, ok := bitPosition(h.Descriptor().StatusRegisters, r.RegNum, r.StatusBit)
		if !ok {
			return false, ErrNoLockBit
		}
		sr, err := statusreg.Read(ctx, h, r.RegNum)
		if err != nil {
			return false, err
		}
		return sr&(1<<uint(pos)) != 0, nil
	}
}

func bitPosition(l *statusreg.Layout, reg statusreg.RegisterNum, bit statusreg.Bit) (int, bool) {
	if l == nil {
		return 0, false
	}
	for i, b := range l.Registers[reg] {
		if b == bit {
			return i, true
		}
	}
	return 0, false
}

// Read copies length bytes from region's security register, starting at
// startByte, into buf (§4.H).
func Read(ctx context.Context, h Handle, od *chip.OTPDescriptor, regions []Region, region int, buf []byte, startByte, length uint32) error {
	if err := checkRange(regions, region, startByte, length); err != nil {
		return err
	}
	r := regions[region]
	addr := r.Addr | startByte

	if od.LockConvention == chip.OTPLockSRP0 {
		saved, err := EnterMode(ctx, h, h.Descriptor().StatusRegisters)
		if err != nil {
			return err
		}
		defer ExitMode(ctx, h, saved)
	}
	return h.Read(ctx, buf[:length], addr)
}

// Write programs length bytes from buf into region's security register,
// starting at startByte, refusing if the region is already locked
// (§4.H).
func Write(ctx context.Context, h Handle, od *chip.OTPDescriptor, regions []Region, region int, buf []byte, startByte, length uint32) error {
	if err := checkRange(regions, region, startByte, length); err != nil {
		return err
	}
	locked, err := Status(ctx, h, od, regions, region)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	r := regions[region]
	addr := r.Addr | startByte

	if od.LockConvention == chip.OTPLockSRP0 {
		saved, err := EnterMode(ctx, h, h.Descriptor().StatusRegisters)
		if err != nil {
			return err
		}
		defer ExitMode(ctx, h, saved)
	}
	return h.Write(ctx, buf[:length], addr)
}

// Erase clears region's entire security register, refusing if already
// locked (§4.H).
func Erase(ctx context.Context, h Handle, od *chip.OTPDescriptor, regions []Region, region int) error {
	if err := checkRange(regions, region, 0, 0); err != nil {
		return err
	}
	locked, err := Status(ctx, h, od, regions, region)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	r := regions[region]

	if od.LockConvention == chip.OTPLockSRP0 {
		saved, err := EnterMode(ctx, h, h.Descriptor().StatusRegisters)
		if err != nil {
			return err
		}
		defer ExitMode(ctx, h, saved)
	}
	return h.EraseRegion(ctx, r.Addr, r.Size)
}

// Lock sets region's lock bit. Per the source, a bit that is already set
// is not treated as a failure (§4.H).
func Lock(ctx context.Context, h Handle, od *chip.OTPDescriptor, regions []Region, region int) error {
	if err := checkRange(regions, region, 0, 0); err != nil {
		return err
	}
	already, err := Status(ctx, h, od, regions, region)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	r := regions[region]

	switch od.LockConvention {
	case chip.OTPLockSRP0:
		pos, ok := bitPosition(h.Descriptor().StatusRegisters, statusreg.SR1, statusreg.BitSRP0)
		if !ok {
			return ErrNoLockBit
		}
		saved, err := EnterMode(ctx, h, h.Descriptor().StatusRegisters)
		if err != nil {
			return err
		}
		defer ExitMode(ctx, h, saved)
		if err := statusreg.Write(ctx, h, statusreg.SR1, 1<<uint(pos)); err != nil {
			return err
		}

	default: // chip.OTPLockLB
		pos, ok := bitPosition(h.Descriptor().StatusRegisters, r.RegNum, r.StatusBit)
		if !ok {
			return ErrNoLockBit
		}
		sr, err := statusreg.Read(ctx, h, r.RegNum)
		if err != nil {
			return err
		}
		if err := statusreg.Write(ctx, h, r.RegNum, sr|(1<<uint(pos))); err != nil {
			return err
		}
	}

	locked, err := Status(ctx, h, od, regions, region)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("otp: lock bit write did not take effect")
	}
	return nil
}
