// Package chipio implements the chip access surface (§4.A): a Context
// binds one chip descriptor to one transport master, exposes the
// byte/word/long/buffer read and write primitives the rest of the
// engine is built on, and splits oversized transfers into chunks
// bounded by the master's max_data_read/max_data_write and (for writes)
// the chip's page size.
//
// Grounded on the teacher's emu/memory/memory.go (bounded, address-space
// bound byte/word/long accessors) and emu/device/device.go (capability
// table interface), generalized from one fixed address space to a
// pluggable transport.
package chipio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/chunk"
	"github.com/flashprog/flashprog/internal/statusreg"
)

// Master is the transport capability table a Context is bound to,
// unifying the three transport shapes from §4.A (parallel/LPC/memory-
// mapped, SPI, and opaque/MTD-like) behind one minimal interface; each
// concrete transport package additionally exposes its native shape for
// callers that need it (e.g. statusreg.Device for SPI masters).
type Master interface {
	Read(ctx context.Context, buf []byte, addr uint32) error
	Write(ctx context.Context, buf []byte, addr uint32) error
	MaxDataRead() uint32
	MaxDataWrite() uint32
	Shutdown(ctx context.Context) error
}

// EraseMaster is implemented by transports capable of an unconditional
// whole-block erase without a chip.EraseFunc (e.g. Linux MTD).
type EraseMaster interface {
	Erase(ctx context.Context, addr, size uint32) error
}

// Context is the per-session chip access handle (§3 "Chip context"). It
// implements chip.Handle, statusreg.Device and otp.Handle.
type Context struct {
	descriptor *chip.Descriptor
	master     Master

	weConvention statusreg.WriteEnableConvention

	restoreStack []restoreEntry

	delayFloor time.Duration
}

type restoreEntry struct {
	savedSR byte
	undo    func(ctx context.Context, c *Context, saved byte) error
}

const maxRestoreDepth = 4

// New binds descriptor to master, cloning the descriptor per §3 ("may be
// cloned from database").
func New(descriptor *chip.Descriptor, master Master) *Context {
	return &Context{
		descriptor: descriptor.Clone(),
		master:     master,
		delayFloor: 20 * time.Microsecond,
	}
}

// Descriptor implements chip.Handle.
func (c *Context) Descriptor() *chip.Descriptor { return c.descriptor }

// DelayMicroseconds implements chip.Handle. Below delayFloor a busy-spin
// is used instead of a sleep (§4.A "precise down to a configurable
// floor").
func (c *Context) DelayMicroseconds(us int) {
	d := time.Duration(us) * time.Microsecond
	if d <= 0 {
		return
	}
	if d < c.delayFloor {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
		}
		return
	}
	time.Sleep(d)
}

// WriteEnableConvention/SetWriteEnableConvention implement
// statusreg.Device's one-shot NAK-based probe memoization.
func (c *Context) WriteEnableConvention() statusreg.WriteEnableConvention { return c.weConvention }
func (c *Context) SetWriteEnableConvention(conv statusreg.WriteEnableConvention) {
	c.weConvention = conv
}

func (c *Context) NumStatusRegisters() int {
	if c.descriptor.StatusRegisters == nil {
		return 0
	}
	return c.descriptor.StatusRegisters.NumRegisters
}

// SendSR implements statusreg.Device by issuing a raw opcode+payload
// over the bound master, assuming an SPI-shaped transport; a master that
// does not itself implement statusreg.Device gets an error back.
func (c *Context) SendSR(ctx context.Context, opcode byte, write []byte, readLen int) ([]byte, error) {
	sr, ok := c.master.(statusreg.Device)
	if !ok {
		return nil, fmt.Errorf("chipio: bound master does not support status-register opcodes")
	}
	return sr.SendSR(ctx, opcode, write, readLen)
}

// ReadAt implements fmap.ChipReader and reads a plain chip-address-space
// buffer, chunked to the master's MaxDataRead.
func (c *Context) ReadAt(ctx context.Context, buf []byte, addr uint32) error {
	return c.Read(ctx, buf, addr)
}

// Read performs a chunked read of len(buf) bytes starting at addr,
// honoring the master's max_data_read (§4.A).
func (c *Context) Read(ctx context.Context, buf []byte, addr uint32) error {
	for _, r := range chunk.Split(addr, uint32(len(buf)), c.master.MaxDataRead()) {
		if err := c.master.Read(ctx, buf[r.Start-addr:r.Start-addr+r.Len], r.Start); err != nil {
			return fmt.Errorf("chipio: read %#x..%#x: %w", r.Start, r.Start+r.Len, err)
		}
	}
	return nil
}

// Write performs a chunked write of buf starting at addr, honoring the
// master's max_data_write and never letting a chunk cross a page
// boundary unless the chip's write granularity permits unaligned writes
// (§4.A).
func (c *Context) Write(ctx context.Context, buf []byte, addr uint32) error {
	pageSize := c.descriptor.PageSize
	if c.descriptor.WriteGranularity == chip.WriteGran1Bit ||
		c.descriptor.WriteGranularity == chip.WriteGran1Byte ||
		c.descriptor.WriteGranularity == chip.WriteGran1ByteImplicitErase {
		pageSize = 0
	}
	for _, r := range chunk.SplitPageAligned(addr, uint32(len(buf)), c.master.MaxDataWrite(), pageSize) {
		if err := c.master.Write(ctx, buf[r.Start-addr:r.Start-addr+r.Len], r.Start); err != nil {
			return fmt.Errorf("chipio: write %#x..%#x: %w", r.Start, r.Start+r.Len, err)
		}
	}
	return nil
}

// ReadByte, ReadWord and ReadLong are the width-specific accessors the
// parallel/memory-mapped drivers use; word and long values are
// little-endian in chip address space.
func (c *Context) ReadByte(ctx context.Context, addr uint32) (byte, error) {
	var buf [1]byte
	if err := c.Read(ctx, buf[:], addr); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *Context) ReadWord(ctx context.Context, addr uint32) (uint16, error) {
	var buf [2]byte
	if err := c.Read(ctx, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *Context) ReadLong(ctx context.Context, addr uint32) (uint32, error) {
	var buf [4]byte
	if err := c.Read(ctx, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Context) WriteByte(ctx context.Context, addr uint32, v byte) error {
	return c.Write(ctx, []byte{v}, addr)
}

func (c *Context) WriteWord(ctx context.Context, addr uint32, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return c.Write(ctx, buf[:], addr)
}

func (c *Context) WriteLong(ctx context.Context, addr uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.Write(ctx, buf[:], addr)
}

// EraseRegion issues a master-native erase (for opaque transports like
// MTD that don't expose a per-chip EraseFunc); transports lacking this
// must be erased through the chip's own BlockEraser functions instead.
func (c *Context) EraseRegion(ctx context.Context, addr, size uint32) error {
	em, ok := c.master.(EraseMaster)
	if !ok {
		return fmt.Errorf("chipio: bound master has no native erase; use the chip's block erasers")
	}
	return em.Erase(ctx, addr, size)
}

// EnterOTPMode and ExitOTPMode are satisfied by transports that expose
// dedicated master-level OTP opcodes (the spiflash master does, sending
// the opcodes directly); most callers reach OTP through
// internal/otp, which calls these after binding SR1 state.
func (c *Context) EnterOTPMode(ctx context.Context) error {
	type otpCapable interface {
		EnterOTPMode(ctx context.Context) error
	}
	if m, ok := c.master.(otpCapable); ok {
		return m.EnterOTPMode(ctx)
	}
	return fmt.Errorf("chipio: bound master does not support OTP mode")
}

func (c *Context) ExitOTPMode(ctx context.Context) error {
	type otpCapable interface {
		ExitOTPMode(ctx context.Context) error
	}
	if m, ok := c.master.(otpCapable); ok {
		return m.ExitOTPMode(ctx)
	}
	return fmt.Errorf("chipio: bound master does not support OTP mode")
}

// PushRestore registers an undo callback with the status byte it was
// bound against, enforced LIFO at Shutdown (§3 "chip-restore stack (up
// to 4 callbacks)").
func (c *Context) PushRestore(savedSR byte, undo func(ctx context.Context, c *Context, saved byte) error) error {
	if len(c.restoreStack) >= maxRestoreDepth {
		return fmt.Errorf("chipio: restore stack full (max %d)", maxRestoreDepth)
	}
	c.restoreStack = append(c.restoreStack, restoreEntry{savedSR: savedSR, undo: undo})
	return nil
}

// Shutdown runs the restore stack LIFO and always shuts the master down
// afterward. A failing restore callback is logged, not returned: it
// must not stop the remaining callbacks from running or keep the
// master open (§5 "failures during teardown are logged, not
// propagated"; §7 "teardown errors are logged; they do not overwrite
// the primary return"). The master's own shutdown error, if any, is
// the only thing this method returns.
func (c *Context) Shutdown(ctx context.Context) error {
	for i := len(c.restoreStack) - 1; i >= 0; i-- {
		entry := c.restoreStack[i]
		if err := entry.undo(ctx, c, entry.savedSR); err != nil {
			slog.Warn("chipio: restore callback failed during shutdown", "index", i, "error", err)
		}
	}
	c.restoreStack = nil
	return c.master.Shutdown(ctx)
}

// Erase dispatches to the chip's BlockEraser-bound erase function for
// [addr, addr+size), the chip-descriptor path (as opposed to
// EraseRegion's master-native path) (§4.A "erase-function pointer
// dispatch").
func (c *Context) Erase(eraser chip.BlockEraser, addr, size uint32) error {
	if eraser.Erase == nil {
		return fmt.Errorf("chipio: eraser has no bound erase function")
	}
	return eraser.Erase(c, addr, size)
}
