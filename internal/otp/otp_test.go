package otp

import (
	"context"
	"testing"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/statusreg"
)

type fakeHandle struct {
	descriptor *chip.Descriptor
	sr         [3]byte
	mem        map[uint32][]byte
	entered    int
	exited     int
	weConv     statusreg.WriteEnableConvention
}

func newFakeHandle() *fakeHandle {
	layout := &statusreg.Layout{NumRegisters: 1}
	layout.Registers[statusreg.SR1][0] = statusreg.BitWIP
	layout.Registers[statusreg.SR1][1] = statusreg.BitWEL
	layout.Registers[statusreg.SR1][2] = statusreg.BitSRP0
	layout.Registers[statusreg.SR1][3] = statusreg.BitBP0
	layout.Registers[statusreg.SR1][4] = statusreg.BitBP1

	return &fakeHandle{
		descriptor: &chip.Descriptor{Name: "fake", StatusRegisters: layout},
		mem:        make(map[uint32][]byte),
	}
}

func (f *fakeHandle) Descriptor() *chip.Descriptor  { return f.descriptor }
func (f *fakeHandle) DelayMicroseconds(int)         {}
func (f *fakeHandle) WriteEnableConvention() statusreg.WriteEnableConvention {
	return f.weConv
}
func (f *fakeHandle) SetWriteEnableConvention(c statusreg.WriteEnableConvention) { f.weConv = c }
func (f *fakeHandle) NumStatusRegisters() int                                   { return 1 }

func (f *fakeHandle) SendSR(_ context.Context, opcode byte, write []byte, readLen int) ([]byte, error) {
	switch opcode {
	case 0x06, 0x50: // WREN / EWSR
		return nil, nil
	case 0x05: // RDSR
		return []byte{f.sr[0]}, nil
	case 0x01: // WRSR
		if len(write) > 0 {
			f.sr[0] = write[0]
		}
		return nil, nil
	}
	return make([]byte, readLen), nil
}

func (f *fakeHandle) Read(_ context.Context, buf []byte, addr uint32) error {
	data := f.mem[addr&0xffff0000]
	copy(buf, data)
	return nil
}
func (f *fakeHandle) Write(_ context.Context, buf []byte, addr uint32) error {
	f.mem[addr&0xffff0000] = append([]byte{}, buf...)
	return nil
}
func (f *fakeHandle) EraseRegion(_ context.Context, addr uint32, _ uint32) error {
	delete(f.mem, addr&0xffff0000)
	return nil
}
func (f *fakeHandle) EnterOTPMode(context.Context) error { f.entered++; return nil }
func (f *fakeHandle) ExitOTPMode(context.Context) error  { f.exited++; return nil }

func eonDescriptor() (*chip.OTPDescriptor, []Region) {
	return &chip.OTPDescriptor{NumRegions: 1, RegionSize: 32, LockConvention: chip.OTPLockSRP0, Family: "eon"},
		[]Region{{Addr: 0x1000, Size: 32, StatusBit: statusreg.BitSRP0, RegNum: statusreg.SR1}}
}

func TestEnterModeSavesAndRestoresBlockProtectBits(t *testing.T) {
	h := newFakeHandle()
	h.sr[0] = 1<<3 | 1<<4 // BP0 and BP1 set

	saved, err := EnterMode(context.Background(), h, h.Descriptor().StatusRegisters)
	if err != nil {
		t.Fatalf("EnterMode: %v", err)
	}
	if h.sr[0]&(1<<3|1<<4) != 0 {
		t.Errorf("BP bits should be cleared while in OTP mode, got %#x", h.sr[0])
	}
	if err := ExitMode(context.Background(), h, saved); err != nil {
		t.Fatalf("ExitMode: %v", err)
	}
	if h.sr[0]&(1<<3|1<<4) == 0 {
		t.Errorf("BP bits should be restored after ExitMode, got %#x", h.sr[0])
	}
}

func TestWriteRefusesWhenLocked(t *testing.T) {
	h := newFakeHandle()
	od, regions := eonDescriptor()
	h.sr[0] = 1 << 2 // SRP0 already set -> locked

	err := Write(context.Background(), h, od, regions, 0, []byte{1, 2, 3}, 0, 3)
	if err != ErrLocked {
		t.Errorf("got %v, want ErrLocked", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := newFakeHandle()
	od, regions := eonDescriptor()

	data := []byte{0xaa, 0xbb, 0xcc}
	if err := Write(context.Background(), h, od, regions, 0, data, 0, 3); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 3)
	if err := Read(context.Background(), h, od, regions, 0, buf, 0, 3); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(data) {
		t.Errorf("got %v, want %v", buf, data)
	}
	// Write enters OTP mode twice (once for the lock check, once to
	// program) and Read once; every entry must be paired with an exit.
	if h.entered != 3 || h.exited != 3 {
		t.Errorf("expected 3 balanced OTP mode entries, got entered=%d exited=%d", h.entered, h.exited)
	}
}

func TestLockIsIdempotent(t *testing.T) {
	h := newFakeHandle()
	od, regions := eonDescriptor()

	if err := Lock(context.Background(), h, od, regions, 0); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := Lock(context.Background(), h, od, regions, 0); err != nil {
		t.Errorf("second Lock on already-locked region should be a no-op, got %v", err)
	}
}

func TestOutOfRangeRejected(t *testing.T) {
	h := newFakeHandle()
	od, regions := eonDescriptor()
	if err := Read(context.Background(), h, od, regions, 0, make([]byte, 4), 30, 4); err != ErrOutOfBounds {
		t.Errorf("got %v, want ErrOutOfBounds", err)
	}
	if err := Read(context.Background(), h, od, regions, 5, nil, 0, 0); err != ErrRegionOutOfRange {
		t.Errorf("got %v, want ErrRegionOutOfRange", err)
	}
}
