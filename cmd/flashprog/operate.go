package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/peterh/liner"

	"github.com/flashprog/flashprog/internal/blockprotect"
	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/chipio"
	"github.com/flashprog/flashprog/internal/eraseplan"
	"github.com/flashprog/flashprog/internal/fmap"
	"github.com/flashprog/flashprog/internal/layout"
	"github.com/flashprog/flashprog/internal/transport"
	"github.com/flashprog/flashprog/internal/writer"
)

// run resolves the programmer and chip, builds a layout, and dispatches
// to the requested operation (§6).
func run(ctx context.Context, o *options, logger *slog.Logger) error {
	name, params, err := parseProgrammer(*o.programmer)
	if err != nil {
		return err
	}
	registry := newRegistry()
	master, err := registry.Open(ctx, name, params)
	if err != nil {
		return err
	}

	d, err := resolveChip(*o.chipName)
	if err != nil {
		return err
	}

	c, probed, err := transport.Probe(ctx, master, d, *o.force)
	if err != nil {
		return err
	}
	if !probed {
		logger.Warn("chip did not respond to probe; continuing because --force was given")
	}
	defer func() {
		if shutErr := c.Shutdown(ctx); shutErr != nil {
			logger.Warn("shutdown", "error", shutErr)
		}
	}()

	chipSize := d.TotalSize

	l, err := buildLayout(ctx, o, c, chipSize)
	if err != nil {
		return err
	}
	if err := applyImageSelection(l, o.images.values); err != nil {
		return err
	}
	if warnings, fail := l.SanityCheck(chipSize); fail {
		for _, w := range warnings {
			logger.Warn(w)
		}
		return fmt.Errorf("flashprog: layout failed sanity check")
	} else {
		for _, w := range warnings {
			logger.Warn(w)
		}
	}
	for _, ov := range l.OverlapCheck() {
		return fmt.Errorf("flashprog: regions %q and %q overlap", ov.A.Name, ov.B.Name)
	}

	args := getoptArgsImpl()
	destructive := *o.opWrite || *o.opErase
	if destructive && *o.confirm {
		if !confirmPrompt(fmt.Sprintf("About to modify chip %q. Continue?", d.Name)) {
			return fmt.Errorf("flashprog: aborted by user")
		}
	}
	if *o.verbose && d.PrintLock != nil {
		if err := d.PrintLock(c); err != nil {
			logger.Warn("printing lock state", "error", err)
		}
	}
	if destructive && d.Unlock != nil {
		if err := d.Unlock(c); err != nil {
			return fmt.Errorf("flashprog: unlocking %q: %w", d.Name, err)
		}
	}

	switch {
	case *o.opRead:
		if len(args) < 1 {
			return fmt.Errorf("flashprog: --read requires a destination file")
		}
		return doRead(ctx, c, l, chipSize, args[0])
	case *o.opVerify:
		if len(args) < 1 {
			return fmt.Errorf("flashprog: --verify requires a source file")
		}
		return doVerify(ctx, c, l, chipSize, args[0])
	case *o.opWrite:
		if len(args) < 1 {
			return fmt.Errorf("flashprog: --write requires a source file")
		}
		plan, err := buildPlan(d)
		if err != nil {
			return err
		}
		opts, err := writerOptions(ctx, c, chipSize, o, logger)
		if err != nil {
			return err
		}
		return doWrite(ctx, c, plan, l, chipSize, args[0], o, opts)
	case *o.opErase:
		plan, err := buildPlan(d)
		if err != nil {
			return err
		}
		opts, err := writerOptions(ctx, c, chipSize, o, logger)
		if err != nil {
			return err
		}
		return doErase(ctx, c, plan, l, chipSize, o, opts)
	}
	return fmt.Errorf("flashprog: no operation selected")
}

// buildPlan constructs the erase-block tree for destructive operations.
// NO_ERASE chips get a nil plan: their writes carry implicit-erase
// semantics, so the driver skips erase planning entirely.
func buildPlan(d *chip.Descriptor) (*eraseplan.Plan, error) {
	if d.Features&chip.FeatureNoErase != 0 {
		return nil, nil
	}
	return eraseplan.Build(d)
}

// writerOptions builds the writer.Options shared by --write and
// --erase: the chip's live write-protect range (§2 "Status-Register
// Model (B) and Block-Protect Decoder (C) expose what is writable"),
// gated by --force/--noverify, per §6/§7.
func writerOptions(ctx context.Context, c *chipio.Context, chipSize uint64, o *options, logger *slog.Logger) (writer.Options, error) {
	protected, err := currentProtection(ctx, c, chipSize)
	if err != nil {
		return writer.Options{}, fmt.Errorf("flashprog: reading write-protect status: %w", err)
	}
	return writer.Options{
		Log:        slogDebugf{logger},
		SkipVerify: *o.noVerify, // --noverify-all: the writer only verifies the region it wrote
		Protected:  protected,
		Force:      *o.force,
	}, nil
}

// currentProtection decodes the chip's live status register into a
// protected byte range (§4.C); chips with no status-register/
// block-protect model declared are treated as never protected.
func currentProtection(ctx context.Context, c *chipio.Context, chipSize uint64) (writer.ProtectedRangeProvider, error) {
	d := c.Descriptor()
	if d.WriteProtect == nil || d.StatusRegisters == nil {
		return writer.AllowAll{}, nil
	}
	pr, err := blockprotect.CurrentProtectedRange(ctx, c, d.WriteProtect, d.StatusRegisters, chipSize)
	if err != nil {
		return nil, err
	}
	return statusRegisterProtection{name: "status-register protected range", start: pr.Start, length: pr.Len}, nil
}

// statusRegisterProtection reports a byte range as protected only when
// the queried span falls entirely inside it, matching how writer's
// erase driver queries one block at a time.
type statusRegisterProtection struct {
	name   string
	start  uint64
	length uint64
}

func (p statusRegisterProtection) IsProtected(addr, size uint32) (string, bool) {
	if p.length == 0 {
		return "", false
	}
	end := p.start + p.length - 1
	if uint64(addr) >= p.start && uint64(addr)+uint64(size)-1 <= end {
		return p.name, true
	}
	return "", false
}

func confirmPrompt(prompt string) bool {
	line := liner.NewLiner()
	defer line.Close()
	answer, err := line.Prompt(prompt + " [y/N] ")
	if err != nil {
		return false
	}
	return answer == "y" || answer == "Y" || answer == "yes"
}

// buildLayout resolves the region layout from --layout, --fmap(-file),
// or falls back to a single whole-chip region (§3 "fallback single-
// region layout").
func buildLayout(ctx context.Context, o *options, c *chipio.Context, chipSize uint64) (*layout.Layout, error) {
	switch {
	case *o.ifd:
		return nil, fmt.Errorf("flashprog: --ifd is not supported by this engine (Intel Flash Descriptor parsing is out of core scope)")
	case *o.layoutFile != "":
		f, err := os.Open(*o.layoutFile)
		if err != nil {
			return nil, fmt.Errorf("flashprog: opening layout file: %w", err)
		}
		defer f.Close()
		l := layout.New()
		if err := l.ReadFromFile(f); err != nil {
			return nil, err
		}
		return l, nil
	case *o.fmapFile != "":
		buf, err := os.ReadFile(*o.fmapFile)
		if err != nil {
			return nil, fmt.Errorf("flashprog: reading fmap file: %w", err)
		}
		f, err := fmap.ReadFromBuffer(buf)
		if err != nil {
			return nil, err
		}
		return layoutFromFMAP(f)
	case *o.fmapOnROM:
		f, err := fmap.ReadFromROM(ctx, c, chipSize, 0, uint32(chipSize), 0)
		if err != nil {
			return nil, err
		}
		return layoutFromFMAP(f)
	default:
		return layout.WholeChip(chipSize, "complete flash"), nil
	}
}

func layoutFromFMAP(f *fmap.FMAP) (*layout.Layout, error) {
	l := layout.New()
	for _, area := range f.Areas {
		name := area.Name
		if name == "" {
			name = fmt.Sprintf("area@%#x", area.Offset)
		}
		if area.Size == 0 {
			continue
		}
		if err := l.AddRegion(area.Offset, area.Offset+area.Size-1, name); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// applyImageSelection restricts the included regions to exactly those
// named in images when the caller gave --image at least once;
// otherwise every region in the layout is included (§6 "--image
// (repeatable)").
func applyImageSelection(l *layout.Layout, images []string) error {
	if len(images) == 0 {
		for _, r := range l.Regions() {
			if err := l.Include(r.Name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range l.Regions() {
		_ = l.Exclude(r.Name)
	}
	for _, name := range images {
		if err := l.Include(name); err != nil {
			return fmt.Errorf("flashprog: --image %q: %w", name, err)
		}
	}
	return nil
}

func doRead(ctx context.Context, c *chipio.Context, l *layout.Layout, chipSize uint64, outFile string) error {
	buf := make([]byte, chipSize)
	for _, r := range l.Regions() {
		if !r.Included {
			continue
		}
		if err := c.Read(ctx, buf[r.Start:r.End+1], r.Start); err != nil {
			return fmt.Errorf("flashprog: reading region %q: %w", r.Name, err)
		}
	}
	return os.WriteFile(outFile, buf, 0o644)
}

func doVerify(ctx context.Context, c *chipio.Context, l *layout.Layout, chipSize uint64, srcFile string) error {
	want, err := loadImage(srcFile, chipSize)
	if err != nil {
		return err
	}
	for _, r := range l.Regions() {
		if !r.Included {
			continue
		}
		got := make([]byte, r.End-r.Start+1)
		if err := c.Read(ctx, got, r.Start); err != nil {
			return fmt.Errorf("flashprog: reading region %q: %w", r.Name, err)
		}
		if !bytes.Equal(got, want[r.Start:r.End+1]) {
			for i, b := range got {
				if b != want[int(r.Start)+i] {
					return fmt.Errorf("flashprog: verify mismatch in region %q at offset %#x", r.Name, uint32(r.Start)+uint32(i))
				}
			}
		}
	}
	return nil
}

func doWrite(ctx context.Context, c *chipio.Context, plan *eraseplan.Plan, l *layout.Layout, chipSize uint64, srcFile string, o *options, opts writer.Options) error {
	target, err := loadImage(srcFile, chipSize)
	if err != nil {
		return err
	}
	current, err := currentContents(ctx, c, o, chipSize)
	if err != nil {
		return err
	}

	for _, r := range l.Regions() {
		if !r.Included {
			continue
		}
		opts.Log.Debugf("writing region %q (%#x..%#x)", r.Name, r.Start, r.End)
		if err := writer.Run(ctx, c, plan, r.Start, r.End, current, target, opts); err != nil {
			return fmt.Errorf("flashprog: writing region %q: %w", r.Name, err)
		}
	}
	return nil
}

func doErase(ctx context.Context, c *chipio.Context, plan *eraseplan.Plan, l *layout.Layout, chipSize uint64, o *options, opts writer.Options) error {
	erasedValue := c.Descriptor().EffectiveErasedValue()
	target := make([]byte, chipSize)
	for i := range target {
		target[i] = erasedValue
	}
	current, err := currentContents(ctx, c, o, chipSize)
	if err != nil {
		return err
	}

	for _, r := range l.Regions() {
		if !r.Included {
			continue
		}
		opts.Log.Debugf("erasing region %q (%#x..%#x)", r.Name, r.Start, r.End)
		if err := writer.Run(ctx, c, plan, r.Start, r.End, current, target, opts); err != nil {
			return fmt.Errorf("flashprog: erasing region %q: %w", r.Name, err)
		}
	}
	return nil
}

// currentContents returns the engine's belief about the chip's present
// bytes: read from --flash-contents when given (an optimization that
// skips a potentially slow full-chip read), otherwise read fresh from
// the chip.
func currentContents(ctx context.Context, c *chipio.Context, o *options, chipSize uint64) ([]byte, error) {
	if *o.flashContents != "" {
		return loadImage(*o.flashContents, chipSize)
	}
	buf := make([]byte, chipSize)
	if err := c.Read(ctx, buf, 0); err != nil {
		return nil, fmt.Errorf("flashprog: reading current chip contents: %w", err)
	}
	return buf, nil
}

func loadImage(path string, chipSize uint64) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flashprog: reading %q: %w", path, err)
	}
	if uint64(len(data)) > chipSize {
		return nil, fmt.Errorf("flashprog: %q (%d bytes) is larger than the chip (%d bytes)", path, len(data), chipSize)
	}
	buf := make([]byte, chipSize)
	copy(buf, data)
	return buf, nil
}

// slogDebugf adapts *slog.Logger to writer.Logger.
type slogDebugf struct{ l *slog.Logger }

func (s slogDebugf) Debugf(format string, args ...any) {
	s.l.Debug(fmt.Sprintf(format, args...))
}
