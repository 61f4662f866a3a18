// Package writer implements the erase/write driver (§4.G): align a
// requested region to erase boundaries, stash and restore displaced
// bytes, run the erase-plan's block selection, skip write-protected
// sub-ranges, stream writes honoring the chip's granularity and the
// master's transfer limits, and verify.
//
// Grounded on original_source/erasure_layout.c's erase_write (align,
// stash/restore displaced bytes, select-then-erase-then-write-then-verify
// ordering) combined with internal/eraseplan's Go-native block
// selection.
package writer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/flashprog/flashprog/internal/chipio"
	"github.com/flashprog/flashprog/internal/eraseplan"
)

// ProtectedRangeProvider reports whether [addr, addr+size) is inside a
// write-protected or read-only sub-region, the "external collaborator"
// from §4.G step 2a. Name is used only for the debug trace.
type ProtectedRangeProvider interface {
	IsProtected(addr, size uint32) (name string, protected bool)
}

// AllowAll is a ProtectedRangeProvider that never reports a conflict,
// used when no region-protection map is configured.
type AllowAll struct{}

func (AllowAll) IsProtected(uint32, uint32) (string, bool) { return "", false }

// ErrVerifyMismatch is returned with the first differing offset on a
// verify failure (§4.G step 4, §7 "fatal").
type ErrVerifyMismatch struct{ Offset uint32 }

func (e *ErrVerifyMismatch) Error() string {
	return fmt.Sprintf("writer: verify failed at offset %#x", e.Offset)
}

// ErrEraseVerifyFailed is returned when a just-erased block does not
// read back as the chip's erased value (§4.G step 2b).
type ErrEraseVerifyFailed struct{ Start, End uint32 }

func (e *ErrEraseVerifyFailed) Error() string {
	return fmt.Sprintf("writer: erase verify failed for %#x..%#x", e.Start, e.End)
}

// ErrProtectedRange is returned when an erase would touch a protected
// sub-range and neither Force nor SkipUnwritableRegions was given
// (§4.G step 2a, §7 "fatal without --force"), matching the original
// tool's check_for_unwritable_regions pre-check.
type ErrProtectedRange struct {
	Name       string
	Start, End uint32
}

func (e *ErrProtectedRange) Error() string {
	return fmt.Sprintf("writer: region %q (%#x..%#x) is write-protected", e.Name, e.Start, e.End)
}

// Logger receives debug traces for skipped protected sub-ranges; nil is
// a valid no-op logger.
type Logger interface {
	Debugf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}

// Options configures one Run call.
type Options struct {
	Protected ProtectedRangeProvider // default AllowAll{}
	Log       Logger                 // default no-op
	// SkipVerify disables the post-write verify pass (§6 "--noverify"),
	// matching the original tool's opt-out rather than making verify a
	// separate caller-driven step.
	SkipVerify bool
	// Force demotes a protected-range conflict during erase from a fatal
	// error to a skipped, logged sub-range (§6 "--force").
	Force bool
	// SkipUnwritableRegions has the same effect as Force but is settable
	// independently of it, matching the original tool's distinct
	// flashctx->flags.skip_unwritable_regions flag.
	SkipUnwritableRegions bool
}

// Run executes the full align -> stash -> erase -> write -> verify ->
// restore sequence for [regionStart, regionEnd] (inclusive) against the
// chip bound to c, writing target into the chip (§4.G).
//
// current and target are full chip-sized buffers; callers populate
// target before calling Run and Run updates current in place to track
// the chip's real contents as erases and writes land.
//
// plan may be nil for chips that cannot erase at all (the NO_ERASE
// feature); the write loop then relies on the chip's implicit-erase
// write semantics and no alignment or block selection happens.
func Run(ctx context.Context, c *chipio.Context, plan *eraseplan.Plan, regionStart, regionEnd uint32, current, target []byte, opts Options) error {
	if opts.Protected == nil {
		opts.Protected = AllowAll{}
	}
	if opts.Log == nil {
		opts.Log = nopLogger{}
	}

	start, end := regionStart, regionEnd
	if plan != nil {
		alignedStart, alignedEnd := plan.AlignRegion(uint64(regionStart), uint64(regionEnd))
		start, end = uint32(alignedStart), uint32(alignedEnd)
	}

	startStash := append([]byte{}, target[start:regionStart]...)
	endStash := append([]byte{}, target[regionEnd+1:end+1]...)
	copy(target[start:regionStart], current[start:regionStart])
	copy(target[regionEnd+1:end+1], current[regionEnd+1:end+1])
	defer func() {
		copy(target[start:regionStart], startStash)
		copy(target[regionEnd+1:end+1], endStash)
	}()

	d := c.Descriptor()
	erasedValue := d.EffectiveErasedValue()

	if plan != nil {
		needErase := eraseplan.NeedEraseForGranularity(d.WriteGranularity)
		plan.Select(uint64(start), uint64(end), current, target, 0, erasedValue, needErase)

		for _, block := range plan.SelectedRanges() {
			if err := eraseBlock(ctx, c, plan, block, current, opts); err != nil {
				return err
			}
		}
	}

	if err := writeLoop(ctx, c, start, end, current, target); err != nil {
		return err
	}

	if !opts.SkipVerify {
		if err := verify(ctx, c, start, end, target); err != nil {
			return err
		}
	}

	return nil
}

func eraseBlock(ctx context.Context, c *chipio.Context, plan *eraseplan.Plan, block eraseplan.Block, current []byte, opts Options) error {
	if opts.Protected == nil {
		opts.Protected = AllowAll{}
	}
	if opts.Log == nil {
		opts.Log = nopLogger{}
	}
	lvl, ok := plan.LevelOf(block.Start, block.End)
	if !ok {
		return fmt.Errorf("writer: internal error: selected block %+v not found in plan", block)
	}
	eraser := plan.EraserForLevel(lvl)
	d := c.Descriptor()
	erasedValue := d.EffectiveErasedValue()

	blockLen := uint32(block.End - block.Start + 1)
	for addr := uint32(block.Start); addr < uint32(block.Start)+blockLen; {
		remaining := blockLen - (addr - uint32(block.Start))
		name, protected := opts.Protected.IsProtected(addr, remaining)
		if protected {
			if !opts.Force && !opts.SkipUnwritableRegions {
				return &ErrProtectedRange{Name: name, Start: addr, End: addr + remaining - 1}
			}
			opts.Log.Debugf("writer: skipping erase in protected region %q (%#x..%#x)", name, addr, addr+remaining-1)
			addr += remaining
			continue
		}

		if eraser.Erase == nil {
			return fmt.Errorf("writer: no erase function bound for this granularity")
		}
		if err := eraser.Erase(c, addr, remaining); err != nil {
			return fmt.Errorf("writer: erase %#x..%#x: %w", addr, addr+remaining-1, err)
		}

		readback := make([]byte, remaining)
		if err := c.Read(ctx, readback, addr); err != nil {
			return fmt.Errorf("writer: reading back erased range: %w", err)
		}
		for i, b := range readback {
			if b != erasedValue {
				return &ErrEraseVerifyFailed{Start: addr, End: addr + remaining - 1}
			}
			current[int(addr)+i] = erasedValue
		}
		addr += remaining
	}
	return nil
}

// writeLoop repeatedly finds the next byte run where current differs
// from target and writes it, splitting at page boundaries and the
// master's max_data_write (§4.G step 3). A byte already equal to target
// is never written (§4.G "never issued").
func writeLoop(ctx context.Context, c *chipio.Context, start, end uint32, current, target []byte) error {
	addr := start
	for addr <= end {
		if current[addr] == target[addr] {
			addr++
			continue
		}
		runEnd := addr
		for runEnd <= end && current[runEnd] != target[runEnd] {
			runEnd++
		}
		// Context.Write already splits at the master's max_data_write
		// and at page boundaries, so the run is handed over whole.
		if err := c.Write(ctx, target[addr:runEnd], addr); err != nil {
			return fmt.Errorf("writer: write %#x..%#x: %w", addr, runEnd, err)
		}
		copy(current[addr:runEnd], target[addr:runEnd])
		addr = runEnd
	}
	return nil
}

func verify(ctx context.Context, c *chipio.Context, start, end uint32, target []byte) error {
	length := end - start + 1
	readback := make([]byte, length)
	if err := c.Read(ctx, readback, start); err != nil {
		return fmt.Errorf("writer: verify read: %w", err)
	}
	if bytes.Equal(readback, target[start:end+1]) {
		return nil
	}
	for i, b := range readback {
		if b != target[int(start)+i] {
			return &ErrVerifyMismatch{Offset: start + uint32(i)}
		}
	}
	return nil
}
