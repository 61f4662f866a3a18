package eraseplan

import (
	"testing"

	"github.com/flashprog/flashprog/internal/chip"
)

func fourKEraser() chip.BlockEraser {
	return chip.BlockEraser{
		Regions:    [5]chip.EraseRegion{{BlockSize: 4 * 1024, Count: 4}},
		NumRegions: 1,
		Erase:      func(chip.Handle, uint32, uint32) error { return nil },
	}
}

func sixteenKEraser() chip.BlockEraser {
	return chip.BlockEraser{
		Regions:    [5]chip.EraseRegion{{BlockSize: 16 * 1024, Count: 1}},
		NumRegions: 1,
		Erase:      func(chip.Handle, uint32, uint32) error { return nil },
	}
}

func testDescriptor() *chip.Descriptor {
	d := &chip.Descriptor{Name: "test", TotalSize: 16 * 1024}
	d.Erasers[0] = fourKEraser()
	d.Erasers[1] = sixteenKEraser()
	d.NumErasers = 2
	return d
}

func TestBuildLinksSubBlocks(t *testing.T) {
	plan, err := Build(testDescriptor())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(plan.Levels))
	}
	if len(plan.Levels[0].Blocks) != 4 {
		t.Fatalf("got %d fine blocks, want 4", len(plan.Levels[0].Blocks))
	}
	if len(plan.Levels[1].Blocks) != 1 {
		t.Fatalf("got %d coarse blocks, want 1", len(plan.Levels[1].Blocks))
	}
	if len(plan.Levels[1].Blocks[0].SubBlocks) != 4 {
		t.Errorf("coarse block should contain all 4 fine blocks, got %v", plan.Levels[1].Blocks[0].SubBlocks)
	}
}

func TestSelectPromotesToCoarserBlockOnMajority(t *testing.T) {
	plan, err := Build(testDescriptor())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	const size = 16 * 1024
	// cur starts already-written (all zero); next asks for some bits back
	// to 1 in three of the four 4K sub-blocks, a transition only erase
	// can do, giving a strict majority -> the whole 16K block should be
	// selected instead of the three 4K ones.
	cur := make([]byte, size)
	next := make([]byte, size)
	for i := 0; i < 3*4*1024; i++ {
		next[i] = 0xff
	}

	plan.Select(0, size-1, cur, next, 0, 0xff, nil)

	if !plan.Levels[1].Blocks[0].Selected {
		t.Error("expected the coarse 16K block to be promoted")
	}
	for i, b := range plan.Levels[0].Blocks {
		if b.Selected {
			t.Errorf("fine block %d should have been deselected after promotion", i)
		}
	}
}

func TestSelectLeavesFineBlocksWhenNoMajority(t *testing.T) {
	plan, err := Build(testDescriptor())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	const size = 16 * 1024
	// Only the first sub-block needs a 0->1 transition -> no promotion.
	cur := make([]byte, size)
	next := make([]byte, size)
	for i := 0; i < 4*1024; i++ {
		next[i] = 0xff
	}

	plan.Select(0, size-1, cur, next, 0, 0xff, nil)

	if plan.Levels[1].Blocks[0].Selected {
		t.Error("coarse block should not be selected without a majority")
	}
	if !plan.Levels[0].Blocks[0].Selected {
		t.Error("first fine block should remain selected")
	}
	for i := 1; i < 4; i++ {
		if plan.Levels[0].Blocks[i].Selected {
			t.Errorf("fine block %d should not be selected", i)
		}
	}
}

func TestDefaultNeedEraseRequiresEraseOnlyForZeroToOneTransitions(t *testing.T) {
	// Writing 0xff -> 0x00 only clears bits: no erase needed.
	if DefaultNeedErase([]byte{0xff}, []byte{0x00}, 0xff) {
		t.Error("clearing bits should not require erase for erasedValue 0xff")
	}
	// Writing 0x00 -> 0xff requires setting bits back: erase needed.
	if !DefaultNeedErase([]byte{0x00}, []byte{0xff}, 0xff) {
		t.Error("setting bits back to the erased value should require erase for erasedValue 0xff")
	}
}

func TestDefaultNeedEraseInvertsForEraseAsZeroChips(t *testing.T) {
	// For erasedValue 0x00, writes can only set bits (0->1); a transition
	// clearing a bit (1->0) requires erase.
	if DefaultNeedErase([]byte{0x00}, []byte{0xff}, 0x00) {
		t.Error("setting bits should not require erase for erasedValue 0x00")
	}
	if !DefaultNeedErase([]byte{0xff}, []byte{0x00}, 0x00) {
		t.Error("clearing a bit back to the erased value should require erase for erasedValue 0x00")
	}
}

func TestDefaultNeedEraseScenario1FromSpec(t *testing.T) {
	// Chip contents 0x00..0x0F, target 0x10..0x1F: every byte needs its
	// high nibble set, a 0->1 transition, so every byte needs erase.
	cur := make([]byte, 16)
	next := make([]byte, 16)
	for i := range cur {
		cur[i] = byte(i)
		next[i] = byte(i + 0x10)
	}
	if !DefaultNeedErase(cur, next, 0xff) {
		t.Error("expected erase to be required for every byte in this scenario")
	}
}

func TestNeedEraseForGranularityByteAndPage(t *testing.T) {
	byteFn := NeedEraseForGranularity(chip.WriteGran1Byte)
	if byteFn([]byte{0xff}, []byte{0x12}, 0xff) {
		t.Error("writing into an erased byte should not need erase")
	}
	if !byteFn([]byte{0x34}, []byte{0x12}, 0xff) {
		t.Error("changing a non-erased byte should need erase")
	}

	pageFn := NeedEraseForGranularity(chip.WriteGran256Bytes)
	page := make([]byte, 256)
	for i := range page {
		page[i] = 0xff
	}
	next := append([]byte{}, page...)
	next[3] = 0x00
	if pageFn(page, next, 0xff) {
		t.Error("a fully erased page should be writable without erase")
	}
	page[200] = 0x55
	if !pageFn(page, next, 0xff) {
		t.Error("a page that must change while holding non-erased bytes should need erase")
	}
}

func TestAlignRegionExtendsToBlockBoundaries(t *testing.T) {
	plan, err := Build(testDescriptor())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	start, end := plan.AlignRegion(100, 200)
	if start != 0 || end != 4*1024-1 {
		t.Errorf("got [%d,%d], want aligned to the first 4K block [0,%d]", start, end, 4*1024-1)
	}
}

func TestAlignRegionPicksNearestBoundaryMidChip(t *testing.T) {
	plan, err := Build(testDescriptor())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// [5000, 9000] sits inside the second and third 4K blocks; the
	// nearest boundaries are theirs, not the whole-chip 16K block's.
	start, end := plan.AlignRegion(5000, 9000)
	if start != 4096 || end != 3*4096-1 {
		t.Errorf("got [%d,%d], want [4096,%d]", start, end, 3*4096-1)
	}
	// Already-aligned edges stay put.
	start, end = plan.AlignRegion(4096, 2*4096-1)
	if start != 4096 || end != 2*4096-1 {
		t.Errorf("got [%d,%d], want the aligned input back unchanged", start, end)
	}
}

func TestBuildOrdersLevelsFinestFirst(t *testing.T) {
	// Declare the erasers coarsest first; Build must still produce a
	// finest-to-coarsest level order for the containment links.
	d := &chip.Descriptor{Name: "reversed", TotalSize: 16 * 1024}
	d.Erasers[0] = sixteenKEraser()
	d.Erasers[1] = fourKEraser()
	d.NumErasers = 2

	plan, err := Build(d)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Levels[0].Blocks) != 4 || len(plan.Levels[1].Blocks) != 1 {
		t.Fatalf("levels not reordered: got %d/%d blocks, want 4/1",
			len(plan.Levels[0].Blocks), len(plan.Levels[1].Blocks))
	}
	if len(plan.Levels[1].Blocks[0].SubBlocks) != 4 {
		t.Errorf("coarse block should link all 4 fine blocks, got %v", plan.Levels[1].Blocks[0].SubBlocks)
	}
}
