package blockprotect

import (
	"context"
	"testing"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/statusreg"
)

// fakeDevice is a minimal statusreg.Device backed by a fixed SR1/SR2
// pair, enough to exercise ReadBits/CurrentProtectedRange without a
// real transport.
type fakeDevice struct{ sr1, sr2 byte }

func (f *fakeDevice) SendSR(_ context.Context, opcode byte, write []byte, _ int) ([]byte, error) {
	switch opcode {
	case 0x35: // RDSR2
		return []byte{f.sr2}, nil
	case 0x01: // WRSR
		if len(write) > 0 {
			f.sr1 = write[0]
		}
		if len(write) > 1 {
			f.sr2 = write[1]
		}
		return nil, nil
	case 0x05: // RDSR
		return []byte{f.sr1}, nil
	default: // WREN/EWSR
		return nil, nil
	}
}
func (f *fakeDevice) WriteEnableConvention() statusreg.WriteEnableConvention {
	return statusreg.ConventionWREN
}
func (f *fakeDevice) SetWriteEnableConvention(statusreg.WriteEnableConvention) {}
func (f *fakeDevice) NumStatusRegisters() int                                 { return 1 }
func (f *fakeDevice) DelayMicroseconds(int)                                   {}

func TestReadBitsExtractsBPFromSR1(t *testing.T) {
	// spi25Layout-shaped: WIP,WEL,BP0,BP1,BP2,BP3,reserved,SRP0; bp=1010b (0x28).
	layout := &statusreg.Layout{
		Registers: [3][8]statusreg.Bit{
			{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
				statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
		},
		NumRegisters: 1,
	}
	dev := &fakeDevice{sr1: 0x28}
	bits, err := ReadBits(context.Background(), dev, layout)
	if err != nil {
		t.Fatalf("ReadBits: %v", err)
	}
	want := []bool{false, true, false, true}
	if len(bits.BP) != len(want) {
		t.Fatalf("got %d BP bits, want %d", len(bits.BP), len(want))
	}
	for i := range want {
		if bits.BP[i] != want[i] {
			t.Errorf("BP[%d] = %v, want %v", i, bits.BP[i], want[i])
		}
	}
}

func TestCurrentProtectedRangeUnprotectedWhenBPZero(t *testing.T) {
	layout := &statusreg.Layout{
		Registers: [3][8]statusreg.Bit{
			{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
				statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
		},
		NumRegisters: 1,
	}
	wp := &chip.WriteProtectDescriptor{Strategy: chip.BPStrategyGeneric25, BPBits: 4}
	dev := &fakeDevice{sr1: 0x00}
	r, err := CurrentProtectedRange(context.Background(), dev, wp, layout, 16*1024*1024)
	if err != nil {
		t.Fatalf("CurrentProtectedRange: %v", err)
	}
	if r.Len != 0 {
		t.Errorf("got len %d, want 0 for BP=0", r.Len)
	}
}

func TestDisableClearsLockThenBPBits(t *testing.T) {
	dev := &fakeDevice{sr1: 0x80 | 0x3c} // lock bit 7 + BP0..BP3
	if err := Disable(context.Background(), dev, 0x3c, 0x80, 0, 0xff); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if dev.sr1&0x3c != 0 {
		t.Errorf("BP bits still set: sr1=%#x", dev.sr1)
	}
	if dev.sr1&0x80 != 0 {
		t.Errorf("lock bit still set: sr1=%#x", dev.sr1)
	}
}

func TestDisableIsNoOpWhenAlreadyUnprotected(t *testing.T) {
	dev := &fakeDevice{sr1: 0x80} // lock set, but no BP bits
	if err := Disable(context.Background(), dev, 0x3c, 0x80, 0, 0xff); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if dev.sr1 != 0x80 {
		t.Errorf("status should be untouched when BP is already clear, got %#x", dev.sr1)
	}
}

func TestDisableRefusesWhenHardwarePinHoldsLock(t *testing.T) {
	dev := &fakeDevice{sr1: 0x80 | 0x3c} // WP-pin status bit 6 clear
	err := Disable(context.Background(), dev, 0x3c, 0x80, 0x40, 0xff)
	if err != ErrHardwareProtected {
		t.Errorf("got %v, want ErrHardwareProtected", err)
	}
}

func TestWriteRangeTouchesOnlyProtectionBits(t *testing.T) {
	layout := &statusreg.Layout{
		Registers: [3][8]statusreg.Bit{
			{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
				statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
		},
		NumRegisters: 1,
	}
	wp := &chip.WriteProtectDescriptor{Strategy: chip.BPStrategyGeneric25, BPBits: 4}
	const size = 16 * 1024 * 1024
	dev := &fakeDevice{sr1: 0x40} // unrelated reserved bit set

	want := chip.ProtectRange{Start: 0, Len: size}
	if err := WriteRange(context.Background(), dev, wp, layout, want, size); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	got, err := CurrentProtectedRange(context.Background(), dev, wp, layout, size)
	if err != nil {
		t.Fatalf("CurrentProtectedRange: %v", err)
	}
	if got != want {
		t.Errorf("got range %+v, want %+v", got, want)
	}
	if dev.sr1&0x40 == 0 {
		t.Errorf("unrelated status bit was disturbed: sr1=%#x", dev.sr1)
	}
}

func TestWriteRangeRejectsUnrepresentableRange(t *testing.T) {
	layout := &statusreg.Layout{
		Registers: [3][8]statusreg.Bit{
			{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
				statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
		},
		NumRegisters: 1,
	}
	wp := &chip.WriteProtectDescriptor{Strategy: chip.BPStrategyGeneric25, BPBits: 4}
	dev := &fakeDevice{}
	err := WriteRange(context.Background(), dev, wp, layout, chip.ProtectRange{Start: 1, Len: 3}, 16*1024*1024)
	if err != ErrNoMatchingRange {
		t.Errorf("got %v, want ErrNoMatchingRange", err)
	}
}

func TestCurrentProtectedRangeFullChipWhenBPMax(t *testing.T) {
	layout := &statusreg.Layout{
		Registers: [3][8]statusreg.Bit{
			{statusreg.BitWIP, statusreg.BitWEL, statusreg.BitBP0, statusreg.BitBP1,
				statusreg.BitBP2, statusreg.BitBP3, statusreg.BitReserved, statusreg.BitSRP0},
		},
		NumRegisters: 1,
	}
	wp := &chip.WriteProtectDescriptor{Strategy: chip.BPStrategyGeneric25, BPBits: 4}
	const size = 16 * 1024 * 1024
	dev := &fakeDevice{sr1: 0x3c} // BP0..BP3 all set
	r, err := CurrentProtectedRange(context.Background(), dev, wp, layout, size)
	if err != nil {
		t.Fatalf("CurrentProtectedRange: %v", err)
	}
	if r.Len != size {
		t.Errorf("got len %d, want %d for BP=max", r.Len, size)
	}
}
