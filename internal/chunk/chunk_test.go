package chunk

import (
	"reflect"
	"testing"
)

func TestSplitUnbounded(t *testing.T) {
	got := Split(0x100, 0x50, 0)
	want := []Range{{Start: 0x100, Len: 0x50}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitBounded(t *testing.T) {
	got := Split(0, 10, 4)
	want := []Range{{Start: 0, Len: 4}, {Start: 4, Len: 4}, {Start: 8, Len: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitPageAlignedNeverCrossesPage(t *testing.T) {
	got := SplitPageAligned(0xfc, 16, 0, 0x100)
	for _, r := range got {
		startPage := r.Start / 0x100
		endPage := (r.Start + r.Len - 1) / 0x100
		if startPage != endPage {
			t.Errorf("chunk %+v crosses a page boundary", r)
		}
	}
	var total uint32
	for _, r := range got {
		total += r.Len
	}
	if total != 16 {
		t.Errorf("chunks cover %d bytes, want 16", total)
	}
}
