// Package spiflash implements a SPI NOR master (§4.A "SPI master") over
// a real periph.io SPI port and chip-select GPIO pin, bound to
// internal/chipio.Context as its Master and internal/statusreg.Device.
//
// Grounded directly on
// other_examples/a99a3f3c_gentam-gice__flash.go: the CS-bracketed
// transaction helper, the READ/PAGE-PROGRAM/ERASE opcode set and
// chunked read loop, and the busy-wait-on-status-register pattern.
package spiflash

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/flashprog/flashprog/internal/statusreg"
)

// Opcodes mirror the gice driver's flash command set (§4.B/§4.A).
const (
	opReadID      = 0x9f
	opRead        = 0x03
	opFastRead    = 0x0b
	opPageProgram = 0x02
	opSectorErase = 0x20 // 4 KiB
	opBlockErase  = 0xd8 // 64 KiB
	opChipErase   = 0xc7
	opEnterOTP    = 0xb1
	opExitOTP     = 0xc1

	maxTx     = 65536
	addrBytes = 3
	pageSize  = 256
)

// Master is a periph.io-backed SPI NOR transport.
type Master struct {
	conn spi.Conn
	cs   gpio.PinIO

	weConvention statusreg.WriteEnableConvention
}

// New binds a SPI connection and its chip-select pin.
func New(conn spi.Conn, cs gpio.PinIO) *Master {
	return &Master{conn: conn, cs: cs}
}

// tx brackets one SPI transaction with CS assertion, exactly as the
// gice driver's Flash.tx does.
func (m *Master) tx(buf []byte) (err error) {
	if err = m.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := m.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return m.conn.Tx(buf, buf)
}

// ReadID issues the JEDEC READ-ID command (§3 "JEDEC manufacturer and
// model ids").
func (m *Master) ReadID(context.Context) (manufacturer, model uint16, err error) {
	buf := make([]byte, 4)
	buf[0] = opReadID
	if err := m.tx(buf); err != nil {
		return 0, 0, err
	}
	return uint16(buf[1]), uint16(buf[2])<<8 | uint16(buf[3]), nil
}

// Read implements chipio.Master, splitting at maxTx per transaction.
func (m *Master) Read(_ context.Context, buf []byte, addr uint32) error {
	const maxData = maxTx - 1 - addrBytes
	off := 0
	for remaining := len(buf); remaining > 0; {
		n := remaining
		if n > maxData {
			n = maxData
		}
		cmd := make([]byte, 1+addrBytes+n)
		cmd[0] = opRead
		cmd[1] = byte(addr >> 16)
		cmd[2] = byte(addr >> 8)
		cmd[3] = byte(addr)
		if err := m.tx(cmd); err != nil {
			return err
		}
		copy(buf[off:off+n], cmd[1+addrBytes:])
		addr += uint32(n)
		off += n
		remaining -= n
	}
	return nil
}

// Write implements chipio.Master via repeated page-program commands,
// each ≤256 bytes and never crossing a page boundary (§4.A).
func (m *Master) Write(ctx context.Context, buf []byte, addr uint32) error {
	off := 0
	for remaining := len(buf); remaining > 0; {
		spaceInPage := pageSize - int(addr)%pageSize
		n := spaceInPage
		if n > remaining {
			n = remaining
		}
		if err := m.writeEnable(); err != nil {
			return err
		}
		cmd := make([]byte, 1+addrBytes+n)
		cmd[0] = opPageProgram
		cmd[1] = byte(addr >> 16)
		cmd[2] = byte(addr >> 8)
		cmd[3] = byte(addr)
		copy(cmd[1+addrBytes:], buf[off:off+n])
		if err := m.tx(cmd); err != nil {
			return err
		}
		if err := m.busyWait(ctx, 100*time.Microsecond, 3*time.Second); err != nil {
			return err
		}
		addr += uint32(n)
		off += n
		remaining -= n
	}
	return nil
}

func (m *Master) writeEnable() error {
	return m.tx([]byte{0x06})
}

// MaxDataRead/MaxDataWrite implement chipio.Master (§4.A).
func (m *Master) MaxDataRead() uint32  { return maxTx - 1 - addrBytes }
func (m *Master) MaxDataWrite() uint32 { return pageSize }

// Shutdown implements chipio.Master; a SPI NOR master has no session
// state to tear down beyond what the bus driver itself owns.
func (m *Master) Shutdown(context.Context) error { return nil }

// Erase implements chipio.EraseMaster, covering [addr, addr+size) with
// 64 KiB block erases where alignment permits and 4 KiB sector erases
// elsewhere, mirroring Flash.Erase's 64K-then-4K strategy.
func (m *Master) Erase(ctx context.Context, addr, size uint32) error {
	const sector, block = 4 * 1024, 64 * 1024
	if addr%sector != 0 || size%sector != 0 {
		return fmt.Errorf("spiflash: erase at %#x size %d is not sector aligned", addr, size)
	}
	for size > 0 {
		opcode, step := byte(opSectorErase), uint32(sector)
		if addr%block == 0 && size >= block {
			opcode, step = opBlockErase, block
		}
		if err := m.writeEnable(); err != nil {
			return err
		}
		cmd := []byte{opcode, byte(addr >> 16), byte(addr >> 8), byte(addr)}
		if err := m.tx(cmd); err != nil {
			return err
		}
		if err := m.busyWait(ctx, 50*time.Millisecond, 30*time.Second); err != nil {
			return err
		}
		addr += step
		size -= step
	}
	return nil
}

// EraseChip issues a full chip-erase command.
func (m *Master) EraseChip(ctx context.Context) error {
	if err := m.writeEnable(); err != nil {
		return err
	}
	if err := m.tx([]byte{opChipErase}); err != nil {
		return err
	}
	return m.busyWait(ctx, 500*time.Millisecond, 5*time.Minute)
}

// EnterOTPMode / ExitOTPMode satisfy chipio.Context's otpCapable probe.
func (m *Master) EnterOTPMode(context.Context) error { return m.tx([]byte{opEnterOTP}) }
func (m *Master) ExitOTPMode(context.Context) error  { return m.tx([]byte{opExitOTP}) }

// SendSR implements statusreg.Device by issuing opcode with an optional
// write payload and reading back readLen bytes, matching the gice
// driver's single-transaction status-register reads.
func (m *Master) SendSR(_ context.Context, opcode byte, write []byte, readLen int) ([]byte, error) {
	cmd := make([]byte, 1+len(write)+readLen)
	cmd[0] = opcode
	copy(cmd[1:], write)
	if err := m.tx(cmd); err != nil {
		return nil, err
	}
	if readLen == 0 {
		return nil, nil
	}
	return cmd[1+len(write):], nil
}

func (m *Master) WriteEnableConvention() statusreg.WriteEnableConvention { return m.weConvention }
func (m *Master) SetWriteEnableConvention(c statusreg.WriteEnableConvention) { m.weConvention = c }
func (m *Master) NumStatusRegisters() int  { return 1 }
func (m *Master) DelayMicroseconds(us int) { time.Sleep(time.Duration(us) * time.Microsecond) }

func (m *Master) busyWait(ctx context.Context, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := m.SendSR(ctx, 0x05, nil, 1)
		if err != nil {
			return err
		}
		if sr[0]&1 == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("spiflash: timed out waiting for WIP to clear")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
