package chip

import (
	"context"
	"fmt"

	"github.com/flashprog/flashprog/internal/statusreg"
)

// eraseViaMaster is the EraseFunc the database chips bind: it routes a
// block erase through the session's master-native erase (SPI
// sector/block opcodes, MTD MEMERASE). The type assertion is satisfied
// by chipio.Context.
func eraseViaMaster(h Handle, addr, size uint32) error {
	em, ok := h.(interface {
		EraseRegion(ctx context.Context, addr, size uint32) error
	})
	if !ok {
		return fmt.Errorf("chip: session handle has no master-native erase")
	}
	return em.EraseRegion(context.Background(), addr, size)
}

// spi25Layout is the common SR1 bit arrangement most SPI25-family
// flash chips share: WIP/WEL/BP0-BP3/SRP0 in SR1. Most chips below
// reuse it; it is grounded on spi25_statusreg.h's layout of the "25"
// family (the Eon/GigaDevice/Winbond chips that otp.c targets).
var spi25Layout = &statusreg.Layout{
	Registers: [3][8]statusreg.Bit{
		{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
			statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
	},
	NumRegisters: 1,
}

// spi25Erasers builds the standard 4K/32K/64K-sector eraser set for an
// n-byte SPI NOR chip, the same three granularities EN25/W25-family
// parts expose.
func spi25Erasers(totalSize uint64, erase EraseFunc) [8]BlockEraser {
	return [8]BlockEraser{
		{Regions: [5]EraseRegion{{BlockSize: 4 * 1024, Count: uint32(totalSize / (4 * 1024))}}, NumRegions: 1, Erase: erase},
		{Regions: [5]EraseRegion{{BlockSize: 32 * 1024, Count: uint32(totalSize / (32 * 1024))}}, NumRegions: 1, Erase: erase},
		{Regions: [5]EraseRegion{{BlockSize: 64 * 1024, Count: uint32(totalSize / (64 * 1024))}}, NumRegions: 1, Erase: erase},
	}
}

// Database is a small illustrative set of supported chips; the full
// mechanical per-part database is explicitly out of scope (it is
// "large but mechanical" data, not engine logic) and is left to the
// per-deployment chip table a real caller would supply.
var Database = map[string]*Descriptor{
	"EN25Q32": eon25Q32(),
	"W25Q64":  winbond25Q64(),
	"W25Q128": winbond25Q128(),
}

// eon25Q32 models the Eon EN25Q32(A/B), an SRP0-as-OTP-lock chip
// (otp.c's "Eon chip specific functions" family).
func eon25Q32() *Descriptor {
	const size = 4 * 1024 * 1024
	return &Descriptor{
		Vendor:           "Eon",
		Name:             "EN25Q32(A/B)",
		ManufactureID:    0x1c,
		ModelID:          0x3016,
		TotalSize:        size,
		PageSize:         256,
		Bus:              BusSPI,
		Features:         FeatureOTP,
		WriteGranularity: WriteGran256Bytes,
		Erasers:          spi25Erasers(size, eraseViaMaster),
		NumErasers:       3,
		StatusRegisters:  spi25Layout,
		WriteProtect: &WriteProtectDescriptor{
			Strategy: BPStrategyGeneric25,
			BPBits:   4,
			BitMask:  func(*Descriptor) uint8 { return 0x3c },
		},
		OTP: &OTPDescriptor{
			NumRegions:     1,
			RegionSize:     1024,
			LockConvention: OTPLockSRP0,
			EnterOpcode:    0xb1,
			ExitOpcode:     0xc1,
			Family:         "eon",
		},
		Tested:      TestedState{Probe: TestOK, Read: TestOK, Erase: TestOK, Write: TestOK},
		ErasedValue: 0xff,
	}
}

// winbond25Q64 models the Winbond W25Q64, a dedicated-LB-bit OTP lock
// chip widely referenced in print.c's board reports.
func winbond25Q64() *Descriptor {
	const size = 8 * 1024 * 1024
	return &Descriptor{
		Vendor:           "Winbond",
		Name:             "W25Q64",
		ManufactureID:    0xef,
		ModelID:          0x4017,
		TotalSize:        size,
		PageSize:         256,
		Bus:              BusSPI,
		Features:         FeatureOTP,
		WriteGranularity: WriteGran256Bytes,
		Erasers:          spi25Erasers(size, eraseViaMaster),
		NumErasers:       3,
		StatusRegisters:  spi25Layout,
		WriteProtect: &WriteProtectDescriptor{
			Strategy: BPStrategyGeneric25,
			BPBits:   4,
			BitMask:  func(*Descriptor) uint8 { return 0x3c },
		},
		OTP: &OTPDescriptor{
			NumRegions:     3,
			RegionSize:     256,
			LockConvention: OTPLockLB,
			EnterOpcode:    0x0b,
			ExitOpcode:     0x04,
			Family:         "winbond",
		},
		Tested:      TestedState{Probe: TestOK, Read: TestOK, Erase: TestOK, Write: TestOK},
		ErasedValue: 0xff,
	}
}

// winbond25Q128 models the larger W25Q128 sibling, used by the
// Supermicro X10SLM-F board report in print.c.
func winbond25Q128() *Descriptor {
	const size = 16 * 1024 * 1024
	d := winbond25Q64()
	d.Name = "W25Q128"
	d.ModelID = 0x4018
	d.TotalSize = size
	d.Erasers = spi25Erasers(size, eraseViaMaster)
	return d
}
