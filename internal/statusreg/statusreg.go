// Package statusreg implements the status-register model (§4.B): an
// abstract named-bit layout over up to three SPI status registers,
// read/write with the WREN/EWSR autodetect dance, pretty-printing, and
// write-protect mode derivation.
//
// Bit naming is grounded on original_source/spi25_statusreg.h's
// status_register_bit enum; the per-bit accessor style (predicate methods
// returning bool off a byte) is grounded on
// other_examples/a99a3f3c_gentam-gice__flash.go's StatusRegister type.
package statusreg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bit names a single semantic bit that can appear in a status register.
type Bit int

const (
	BitReserved Bit = iota
	BitWIP          // write-in-progress / busy
	BitWEL          // write-enable latch
	BitSRP0
	BitSRP1
	BitBPL
	BitWPDisable
	BitCMP
	BitWPS
	BitQE
	BitSUS
	BitSUS1
	BitSUS2
	BitDRV0
	BitDRV1
	BitRST
	BitHPF
	BitLPE
	BitAAI
	BitAPT
	BitCP
	BitBP0
	BitBP1
	BitBP2
	BitBP3
	BitBP4
	BitTB
	BitSEC
	BitLB1
	BitLB2
	BitLB3
)

func (b Bit) String() string {
	switch b {
	case BitReserved:
		return "reserved"
	case BitWIP:
		return "WIP"
	case BitWEL:
		return "WEL"
	case BitSRP0:
		return "SRP0"
	case BitSRP1:
		return "SRP1"
	case BitBPL:
		return "BPL"
	case BitWPDisable:
		return "WP-disable"
	case BitCMP:
		return "CMP"
	case BitWPS:
		return "WPS"
	case BitQE:
		return "QE"
	case BitSUS, BitSUS1, BitSUS2:
		return "SUS"
	case BitDRV0, BitDRV1:
		return "DRV"
	case BitRST:
		return "RST"
	case BitHPF:
		return "HPF"
	case BitLPE:
		return "LPE"
	case BitAAI:
		return "AAI"
	case BitAPT:
		return "APT"
	case BitCP:
		return "CP"
	case BitBP0, BitBP1, BitBP2, BitBP3, BitBP4:
		return fmt.Sprintf("BP%d", int(b-BitBP0))
	case BitTB:
		return "TB"
	case BitSEC:
		return "SEC"
	case BitLB1, BitLB2, BitLB3:
		return fmt.Sprintf("LB%d", int(b-BitLB1)+1)
	default:
		return "?"
	}
}

// RegisterNum identifies SR1/SR2/SR3.
type RegisterNum int

const (
	SR1 RegisterNum = iota
	SR2
	SR3

	maxRegisters = 3
)

// Layout is the immutable ordered 8-tuple of bits per register, up to
// three registers. Unused registers are all BitReserved (§3 invariant:
// tuple terminates at the highest present register).
type Layout struct {
	Registers [maxRegisters][8]Bit
	// NumRegisters is the index of the highest populated register + 1.
	NumRegisters int
}

// WriteEnableConvention describes how a chip expects status-register writes to be
// sequenced; Unknown triggers the WREN-first/EWSR-fallback autodetect.
type WriteEnableConvention int

const (
	ConventionUnknown WriteEnableConvention = iota
	ConventionWREN
	ConventionEWSR
)

// Device is the transport/opcode surface the status-register model needs
// from a bound chip. It is satisfied by internal/chipio.Context.
type Device interface {
	// SendSR issues opcode with wlen write bytes (opcode + payload) and
	// rlen read bytes, returning the read bytes (if any).
	SendSR(ctx context.Context, opcode byte, write []byte, readLen int) ([]byte, error)
	WriteEnableConvention() WriteEnableConvention
	// SetWriteEnableConvention lets a one-shot NAK-based probe record
	// which convention actually worked, for future calls.
	SetWriteEnableConvention(WriteEnableConvention)
	NumStatusRegisters() int
	DelayMicroseconds(us int)
}

const (
	opRDSR  = 0x05
	opRDSR2 = 0x35
	opRDSR3 = 0x15
	opWRSR  = 0x01
	opWREN  = 0x06
	opEWSR  = 0x50
)

// Read issues the per-register opcode (RDSR/RDSR2/RDSR3) and returns the
// byte, or 0 with an error logged by the caller on failure (§4.B).
func Read(ctx context.Context, d Device, n RegisterNum) (byte, error) {
	op := opcodeFor(n)
	out, err := d.SendSR(ctx, op, nil, 1)
	if err != nil {
		return 0, fmt.Errorf("statusreg: read SR%d: %w", n+1, err)
	}
	if len(out) < 1 {
		return 0, fmt.Errorf("statusreg: read SR%d: short response", n+1)
	}
	return out[0], nil
}

func opcodeFor(n RegisterNum) byte {
	switch n {
	case SR2:
		return opRDSR2
	case SR3:
		return opRDSR3
	default:
		return opRDSR
	}
}

// ErrTimeout is returned when WIP does not clear within the poll budget.
var ErrTimeout = errors.New("statusreg: timed out waiting for WIP to clear")

// Write programs a status register, bundling SR1+SR2 into one WRSR call
// for two-register chips as the source requires and otherwise using
// WRSR2 (0x31) for SR2 and WRSR3 (0x11) for SR3, then waits for the
// write to complete (§4.B).
func Write(ctx context.Context, d Device, n RegisterNum, value byte) error {
	switch d.WriteEnableConvention() {
	case ConventionUnknown:
		if err := tryEnable(ctx, d, opWREN); err == nil {
			d.SetWriteEnableConvention(ConventionWREN)
		} else if err2 := tryEnable(ctx, d, opEWSR); err2 == nil {
			d.SetWriteEnableConvention(ConventionEWSR)
		} else {
			return fmt.Errorf("statusreg: neither WREN nor EWSR accepted: %w", err)
		}
	case ConventionEWSR:
		if err := tryEnable(ctx, d, opEWSR); err != nil {
			return err
		}
	default:
		if err := tryEnable(ctx, d, opWREN); err != nil {
			return err
		}
	}

	op := byte(opWRSR)
	payload := []byte{value}
	switch {
	case n == SR2 && d.NumStatusRegisters() == 2:
		sr1, err := Read(ctx, d, SR1)
		if err != nil {
			return err
		}
		payload = []byte{sr1, value}
	case n == SR2:
		op = 0x31 // WRSR2
	case n == SR3:
		op = 0x11 // WRSR3
	}

	if _, err := d.SendSR(ctx, op, payload, 0); err != nil {
		return fmt.Errorf("statusreg: WRSR: %w", err)
	}

	d.DelayMicroseconds(100_000)
	return waitReady(ctx, d)
}

func tryEnable(ctx context.Context, d Device, op byte) error {
	_, err := d.SendSR(ctx, op, nil, 0)
	return err
}

func waitReady(ctx context.Context, d Device) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		sr, err := Read(ctx, d, SR1)
		if err != nil {
			return err
		}
		if sr&(1<<BitWIPMask) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// BitWIPMask is the bit position of WIP within SR1 (bit 0 on every
// supported SPI NOR family).
const BitWIPMask = 0

// PrettyPrint enumerates the 8 named bits of register n and describes
// each, specializing TB and SEC per §4.B.
func PrettyPrint(l *Layout, n RegisterNum, value byte) string {
	var sb strings.Builder
	for i := 7; i >= 0; i-- {
		b := l.Registers[n][i]
		if b == BitReserved {
			continue
		}
		set := value&(1<<uint(i)) != 0
		fmt.Fprintf(&sb, "%s=%s ", b, describeBit(b, set))
	}
	return strings.TrimRight(sb.String(), " ")
}

func describeBit(b Bit, set bool) string {
	switch b {
	case BitTB:
		if set {
			return "bottom"
		}
		return "top"
	case BitSEC:
		if set {
			return "sectors"
		}
		return "blocks"
	default:
		if set {
			return "1"
		}
		return "0"
	}
}

// WPMode is the derived write-protect mode (§4.B).
type WPMode int

const (
	WPModeInvalid WPMode = iota
	WPModeSoftware
	WPModeHardwareProtected
	WPModeHardwareUnprotected
	WPModePowerCycle
	WPModePermanent
)

// GetWPMode derives the mode from SRP0 (+SRP1 when present), probing
// SRP0 by attempting to clear it when SRP1=0,SRP0=1 (§4.B).
func GetWPMode(ctx context.Context, d Device, l *Layout) (WPMode, error) {
	sr1, err := Read(ctx, d, SR1)
	if err != nil {
		return WPModeInvalid, err
	}
	srp0bit, srp1bit, hasSRP1 := findSRPBits(l)
	srp0 := sr1&(1<<srp0bit) != 0

	if !hasSRP1 {
		if !srp0 {
			return WPModeSoftware, nil
		}
		return probeSRP0(ctx, d, sr1, srp0bit)
	}

	srp1 := sr1&(1<<srp1bit) != 0
	switch {
	case !srp1 && !srp0:
		return WPModeSoftware, nil
	case !srp1 && srp0:
		return probeSRP0(ctx, d, sr1, srp0bit)
	case srp1 && !srp0:
		return WPModePowerCycle, nil
	default:
		return WPModePermanent, nil
	}
}

func probeSRP0(ctx context.Context, d Device, sr1 byte, srp0bit uint) (WPMode, error) {
	cleared := sr1 &^ (1 << srp0bit)
	if err := Write(ctx, d, SR1, cleared); err != nil {
		return WPModeHardwareProtected, nil
	}
	after, err := Read(ctx, d, SR1)
	if err != nil {
		return WPModeInvalid, err
	}
	if after&(1<<srp0bit) != 0 {
		return WPModeHardwareProtected, nil
	}
	// Restore SRP0=1 now that it was observed cleared.
	_ = Write(ctx, d, SR1, sr1)
	return WPModeHardwareUnprotected, nil
}

func findSRPBits(l *Layout) (srp0, srp1 uint, hasSRP1 bool) {
	for i, b := range l.Registers[SR1] {
		switch b {
		case BitSRP0:
			srp0 = uint(i)
		case BitSRP1:
			srp1 = uint(i)
			hasSRP1 = true
		}
	}
	return srp0, srp1, hasSRP1
}

// SetWPMode is the inverse of GetWPMode; permanent and power-cycle modes
// are one-way and rejected on chips without SRP1 (§4.B).
func SetWPMode(ctx context.Context, d Device, l *Layout, mode WPMode) error {
	srp0bit, srp1bit, hasSRP1 := findSRPBits(l)
	sr1, err := Read(ctx, d, SR1)
	if err != nil {
		return err
	}

	switch mode {
	case WPModeSoftware:
		sr1 &^= 1 << srp0bit
		if hasSRP1 {
			sr1 &^= 1 << srp1bit
		}
	case WPModeHardwareProtected, WPModeHardwareUnprotected:
		sr1 |= 1 << srp0bit
		if hasSRP1 {
			sr1 &^= 1 << srp1bit
		}
	case WPModePowerCycle:
		if !hasSRP1 {
			return errors.New("statusreg: power-cycle mode requires SRP1")
		}
		sr1 &^= 1 << srp0bit
		sr1 |= 1 << srp1bit
	case WPModePermanent:
		if !hasSRP1 {
			return errors.New("statusreg: permanent mode requires SRP1")
		}
		sr1 |= 1 << srp0bit
		sr1 |= 1 << srp1bit
	default:
		return fmt.Errorf("statusreg: invalid mode %d", mode)
	}
	return Write(ctx, d, SR1, sr1)
}
