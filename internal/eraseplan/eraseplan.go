// Package eraseplan builds, from a chip's set of erasers (each with its
// own granularity), a tree of erase-block descriptions linking each
// granularity's blocks to the finer-grained blocks they contain, then
// selects the minimal set of blocks to erase for a requested byte range
// using a greedy promote-to-coarser-block rule (§4.F).
//
// Grounded directly on original_source/erasure_layout.c:
// create_erase_layout, init_eraseblock, align_region and
// select_erase_functions.
package eraseplan

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/flashprog/flashprog/internal/chip"
)

// Block is one erase-granularity block belonging to a single eraser.
type Block struct {
	Start, End uint64 // inclusive
	Selected   bool
	// SubBlocks indexes into the next-finer Level's Blocks that this
	// block fully contains, mirroring first/last_sub_block_index.
	SubBlocks []int
}

// Level holds every block produced by one chip.Erasers entry, ordered
// by address.
type Level struct {
	Eraser chip.BlockEraser
	Blocks []Block
}

// Plan is the full tree, ordered from finest granularity (index 0) to
// coarsest, matching the source's layout_idx ordering (Build sorts the
// usable erasers by block size, smallest first).
type Plan struct {
	Levels []Level
}

// Build constructs the erase-layout tree for every usable eraser on d
// (§4.F "erase layout tree"). Erasers with zero regions are skipped.
func Build(d *chip.Descriptor) (*Plan, error) {
	plan := &Plan{}
	for _, er := range d.Erasers[:d.NumErasers] {
		if er.NumRegions == 0 || er.Erase == nil {
			continue
		}
		level := Level{Eraser: er}
		var addr uint64
		for _, region := range er.Regions[:er.NumRegions] {
			if region.BlockSize == 0 {
				continue
			}
			for i := uint32(0); i < region.Count; i++ {
				end := addr + uint64(region.BlockSize) - 1
				level.Blocks = append(level.Blocks, Block{Start: addr, End: end})
				addr = end + 1
			}
		}
		plan.Levels = append(plan.Levels, level)
	}
	if len(plan.Levels) == 0 {
		return nil, fmt.Errorf("eraseplan: chip %q declares no usable erase functions", d.Name)
	}
	// Levels must run finest to coarsest regardless of the order the
	// chip table declares its erasers in; linkSubBlocks and Select both
	// depend on Levels[i] being finer than Levels[i+1].
	sort.SliceStable(plan.Levels, func(i, j int) bool {
		return coarsestBlock(plan.Levels[i]) < coarsestBlock(plan.Levels[j])
	})
	linkSubBlocks(plan)
	return plan, nil
}

// coarsestBlock returns the largest block size an eraser declares, the
// sort key for level ordering.
func coarsestBlock(l Level) uint64 {
	var largest uint64
	for i := 0; i < l.Eraser.NumRegions; i++ {
		if bs := uint64(l.Eraser.Regions[i].BlockSize); bs > largest {
			largest = bs
		}
	}
	return largest
}

// linkSubBlocks fills in each block's SubBlocks list from the
// next-finer level, mirroring init_eraseblock's sliding sub_block_index
// walk: both levels are address-ordered, so a single forward pointer
// per level suffices.
func linkSubBlocks(plan *Plan) {
	for idx := 1; idx < len(plan.Levels); idx++ {
		fine := plan.Levels[idx-1].Blocks
		coarse := plan.Levels[idx].Blocks
		sub := 0
		for b := range coarse {
			start, end := coarse[b].Start, coarse[b].End
			first := sub
			for sub < len(fine) && fine[sub].Start >= start && fine[sub].End <= end {
				sub++
			}
			if sub > first {
				subIdx := make([]int, sub-first)
				for i := range subIdx {
					subIdx[i] = first + i
				}
				coarse[b].SubBlocks = subIdx
			}
		}
	}
}

// AlignRegion extends [start, end] out to the nearest enclosing block
// boundaries across every level, matching align_region's "extend, never
// shrink" rule: of every block boundary at or outside the requested
// edge, the one with the minimum distance wins.
func (p *Plan) AlignRegion(start, end uint64) (alignedStart, alignedEnd uint64) {
	const unset = ^uint64(0)
	startDiff, endDiff := unset, unset
	for _, level := range p.Levels {
		for _, b := range level.Blocks {
			if b.Start <= start && start-b.Start < startDiff {
				startDiff = start - b.Start
			}
			if b.End >= end && b.End-end < endDiff {
				endDiff = b.End - end
			}
		}
	}
	alignedStart, alignedEnd = start, end
	if startDiff != unset && startDiff != 0 {
		alignedStart = start - startDiff
	}
	if endDiff != unset && endDiff != 0 {
		alignedEnd = end + endDiff
	}
	return alignedStart, alignedEnd
}

// NeedEraseFunc reports whether the byte range [start,end) differs
// between cur and next in a way that cannot be achieved by writes alone,
// per the chip's write granularity and erased value (for 1-bit
// granularity, some bit in cur needs to go back to its erased state).
type NeedEraseFunc func(cur, next []byte, erasedValue byte) bool

// DefaultNeedErase implements the common NOR rule: a byte needs erase
// if some bit must move away from its erased state, something only
// erase (not a write) can do. For erasedValue 0xFF, writes can only
// clear bits (1->0), so a 0->1 transition (next wants a bit cur
// doesn't have) needs erase. For erasedValue 0x00 (FeatureEraseAsZero
// chips), the polarity is inverted: writes can only set bits (0->1),
// so a 1->0 transition (cur has a bit next doesn't want) needs erase.
func DefaultNeedErase(cur, next []byte, erasedValue byte) bool {
	for i := range cur {
		var mustErase byte
		if erasedValue == 0 {
			mustErase = cur[i] &^ next[i]
		} else {
			mustErase = next[i] &^ cur[i]
		}
		if mustErase != 0 {
			return true
		}
	}
	return false
}

// NeedEraseForGranularity returns the need-erase predicate matching a
// chip's write granularity (§4.F "under the write-granularity
// relation"): 1-bit granularity permits any write that moves bits
// toward the written state, 1-byte granularity requires a changing byte
// to currently hold the erased value, and page granularities require
// the whole page to be erased before any byte in it may change.
// Implicit-erase chips never need a separate erase.
func NeedEraseForGranularity(g chip.WriteGranularity) NeedEraseFunc {
	switch g {
	case chip.WriteGran1Bit:
		return DefaultNeedErase
	case chip.WriteGran1ByteImplicitErase:
		return func([]byte, []byte, byte) bool { return false }
	case chip.WriteGran1Byte:
		return byteNeedErase
	default:
		gran := pageBytes(g)
		return func(cur, next []byte, erasedValue byte) bool {
			return pageNeedErase(cur, next, gran, erasedValue)
		}
	}
}

func pageBytes(g chip.WriteGranularity) int {
	switch g {
	case chip.WriteGran128Bytes:
		return 128
	case chip.WriteGran264Bytes:
		return 264
	case chip.WriteGran512Bytes:
		return 512
	case chip.WriteGran528Bytes:
		return 528
	case chip.WriteGran1024Bytes:
		return 1024
	case chip.WriteGran1056Bytes:
		return 1056
	case chip.WriteGran64KBytes:
		return 64 * 1024
	default:
		return 256
	}
}

func byteNeedErase(cur, next []byte, erasedValue byte) bool {
	for i := range cur {
		if cur[i] != next[i] && cur[i] != erasedValue {
			return true
		}
	}
	return false
}

// pageNeedErase: a page that changes at all must currently be fully
// erased, else the whole page needs an erase first.
func pageNeedErase(cur, next []byte, gran int, erasedValue byte) bool {
	for off := 0; off < len(cur); off += gran {
		end := off + gran
		if end > len(cur) {
			end = len(cur)
		}
		if bytes.Equal(cur[off:end], next[off:end]) {
			continue
		}
		for _, b := range cur[off:end] {
			if b != erasedValue {
				return true
			}
		}
	}
	return false
}

// Select walks the plan from finest to coarsest level and marks which
// blocks must be erased to cover [start,end] (end inclusive), promoting a coarser block
// when a strict majority of its sub-blocks are selected (§4.F "greedy
// promotion"), mirroring select_erase_functions's recursive count/total
// comparison, implemented iteratively bottom-up since SubBlocks already
// encodes the recursion.
func (p *Plan) Select(start, end uint64, cur, next []byte, baseAddr uint64, erasedValue byte, needErase NeedEraseFunc) {
	if needErase == nil {
		needErase = DefaultNeedErase
	}
	if len(p.Levels) == 0 {
		return
	}

	fine := p.Levels[0].Blocks
	for i := range fine {
		b := &fine[i]
		if b.Start < start || b.End > end {
			continue
		}
		lo, hi := b.Start-baseAddr, b.End-baseAddr+1
		b.Selected = needErase(cur[lo:hi], next[lo:hi], erasedValue)
	}

	for lvl := 1; lvl < len(p.Levels); lvl++ {
		coarse := p.Levels[lvl].Blocks
		finer := p.Levels[lvl-1].Blocks
		for i := range coarse {
			b := &coarse[i]
			if len(b.SubBlocks) == 0 {
				continue
			}
			count := 0
			for _, si := range b.SubBlocks {
				if finer[si].Selected {
					count++
				}
			}
			total := len(b.SubBlocks)
			if count > total/2 && b.Start >= start && b.End <= end {
				for _, si := range b.SubBlocks {
					finer[si].Selected = false
				}
				b.Selected = true
			}
		}
	}
}

// SelectedRanges returns every selected block's [Start,End] across all
// levels, coarsest first, the set actually handed to the erase driver.
func (p *Plan) SelectedRanges() []Block {
	var out []Block
	for lvl := len(p.Levels) - 1; lvl >= 0; lvl-- {
		for _, b := range p.Levels[lvl].Blocks {
			if b.Selected {
				out = append(out, b)
			}
		}
	}
	return out
}

// EraserForLevel returns the chip.BlockEraser responsible for level idx,
// used by the driver to look up the Erase function for a selected block.
func (p *Plan) EraserForLevel(idx int) chip.BlockEraser {
	return p.Levels[idx].Eraser
}

// LevelOf finds which level a given block range belongs to, needed when
// SelectedRanges has flattened the tree.
func (p *Plan) LevelOf(start, end uint64) (int, bool) {
	for lvl, level := range p.Levels {
		for _, b := range level.Blocks {
			if b.Start == start && b.End == end {
				return lvl, true
			}
		}
	}
	return 0, false
}
