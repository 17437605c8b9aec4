package mapper

import "testing"

func TestNextChunkRangeFirstWindow(t *testing.T) {
	// The first chunk needs a full window.
	if _, _, ok := nextChunkRange(0, 0, 119, 120, 60); ok {
		t.Fatal("chunk 0 dispatched with only 119 frames")
	}
	start, end, ok := nextChunkRange(0, 0, 120, 120, 60)
	if !ok || start != 0 || end != 120 {
		t.Fatalf("chunk 0: got [%d,%d) ok=%v, want [0,120)", start, end, ok)
	}
}

func TestNextChunkRangeSlidingWindows(t *testing.T) {
	cases := []struct {
		index, processed, available int
		wantStart, wantEnd          int
		wantOK                      bool
	}{
		{1, 120, 179, 0, 0, false},
		{1, 120, 180, 60, 180, true},
		{2, 180, 239, 0, 0, false},
		{2, 180, 240, 120, 240, true},
		{3, 240, 500, 180, 300, true},
	}
	for _, tc := range cases {
		start, end, ok := nextChunkRange(tc.index, tc.processed, tc.available, 120, 60)
		if ok != tc.wantOK {
			t.Errorf("chunk %d with %d frames: ok=%v, want %v", tc.index, tc.available, ok, tc.wantOK)
			continue
		}
		if ok && (start != tc.wantStart || end != tc.wantEnd) {
			t.Errorf("chunk %d with %d frames: got [%d,%d), want [%d,%d)",
				tc.index, tc.available, start, end, tc.wantStart, tc.wantEnd)
		}
	}
}

func TestPartialChunkRange(t *testing.T) {
	// Frames left over past the last full window form one final partial
	// chunk starting at the overlap boundary.
	start, end, ok := partialChunkRange(180, 200, 60)
	if !ok || start != 120 || end != 200 {
		t.Fatalf("got [%d,%d) ok=%v, want [120,200)", start, end, ok)
	}

	// Capture stopping exactly on a window boundary leaves nothing to drain.
	if _, _, ok := partialChunkRange(180, 180, 60); ok {
		t.Fatal("partial chunk dispatched with no unprocessed frames")
	}
	if _, _, ok := partialChunkRange(180, 170, 60); ok {
		t.Fatal("partial chunk dispatched with available < processed")
	}
}

func TestRemainingChunks(t *testing.T) {
	cases := []struct {
		processed, available int
		want                 int
	}{
		{0, 0, 0},
		{0, 119, 0},
		{0, 120, 1},
		{0, 200, 2},
		{120, 180, 1},
		{180, 180, 0},
		{180, 300, 2},
	}
	for _, tc := range cases {
		if got := remainingChunks(tc.processed, tc.available, 120, 60); got != tc.want {
			t.Errorf("remainingChunks(%d, %d) = %d, want %d", tc.processed, tc.available, got, tc.want)
		}
	}
}
