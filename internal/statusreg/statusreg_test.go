package statusreg

import (
	"context"
	"testing"
)

type fakeDevice struct {
	sr1, sr2     byte
	wrenCalls    int
	ewsrCalls    int
	convention   WriteEnableConvention
	rejectWREN   bool
	numRegisters int
}

func (f *fakeDevice) SendSR(ctx context.Context, opcode byte, write []byte, readLen int) ([]byte, error) {
	switch opcode {
	case opRDSR:
		return []byte{f.sr1}, nil
	case opRDSR2:
		return []byte{f.sr2}, nil
	case opWREN:
		f.wrenCalls++
		if f.rejectWREN {
			return nil, errRejected
		}
		return nil, nil
	case opEWSR:
		f.ewsrCalls++
		return nil, nil
	case opWRSR:
		f.sr1 = write[0]
		if len(write) > 1 {
			f.sr2 = write[1]
		}
		return nil, nil
	}
	return nil, nil
}

func (f *fakeDevice) WriteEnableConvention() WriteEnableConvention     { return f.convention }
func (f *fakeDevice) SetWriteEnableConvention(c WriteEnableConvention) { f.convention = c }
func (f *fakeDevice) NumStatusRegisters() int                          { return f.numRegisters }
func (f *fakeDevice) DelayMicroseconds(us int)                         {}

var errRejected = &rejectedError{}

type rejectedError struct{}

func (*rejectedError) Error() string { return "NAK" }

func basicLayout() *Layout {
	l := &Layout{NumRegisters: 1}
	l.Registers[SR1] = [8]Bit{BitWIP, BitWEL, BitBP0, BitBP1, BitBP2, BitTB, BitSRP0, BitSRP1}
	return l
}

func TestWriteFallsBackToEWSR(t *testing.T) {
	d := &fakeDevice{rejectWREN: true, numRegisters: 1}
	if err := Write(context.Background(), d, SR1, 0x04); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d.ewsrCalls != 1 {
		t.Errorf("expected EWSR fallback, got wrenCalls=%d ewsrCalls=%d", d.wrenCalls, d.ewsrCalls)
	}
	if d.convention != ConventionEWSR {
		t.Errorf("convention not memoized: got %v", d.convention)
	}
}

func TestWriteBundlesSR2ForTwoRegisterChips(t *testing.T) {
	d := &fakeDevice{numRegisters: 2, sr1: 0xAA}
	if err := Write(context.Background(), d, SR2, 0x55); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d.sr1 != 0xAA || d.sr2 != 0x55 {
		t.Errorf("expected SR1 preserved and SR2 set, got sr1=%#x sr2=%#x", d.sr1, d.sr2)
	}
}

func TestGetWPModeSoftware(t *testing.T) {
	l := basicLayout()
	d := &fakeDevice{sr1: 0x00, numRegisters: 1}
	mode, err := GetWPMode(context.Background(), d, l)
	if err != nil {
		t.Fatal(err)
	}
	if mode != WPModeSoftware {
		t.Errorf("got %v, want WPModeSoftware", mode)
	}
}

func TestGetWPModePermanent(t *testing.T) {
	l := basicLayout()
	srp0bit, srp1bit := 6, 7
	d := &fakeDevice{sr1: byte(1<<srp0bit | 1<<srp1bit), numRegisters: 1}
	mode, err := GetWPMode(context.Background(), d, l)
	if err != nil {
		t.Fatal(err)
	}
	if mode != WPModePermanent {
		t.Errorf("got %v, want WPModePermanent", mode)
	}
}

func TestPrettyPrintSpecializesTBAndSEC(t *testing.T) {
	l := &Layout{NumRegisters: 1}
	l.Registers[SR1] = [8]Bit{BitTB, BitSEC, BitReserved, BitReserved, BitReserved, BitReserved, BitReserved, BitReserved}
	out := PrettyPrint(l, SR1, 0x00)
	if out != "SEC=blocks TB=top" {
		t.Errorf("got %q", out)
	}
}
