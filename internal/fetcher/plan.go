package fetcher

import (
	"github.com/NamanBalaji/sharebridge/internal/task"
)

// Plan splits [0, size) into n contiguous segments whose union is exact; the
// last segment absorbs the remainder. Unknown size, no range support or a
// file smaller than n bytes yields fewer segments, down to one open-ended
// segment.
func Plan(size int64, supportsRanges bool, n int) []task.SegmentState {
	if size <= 0 || !supportsRanges || n <= 1 {
		end := int64(-1)
		if size > 0 {
			end = size - 1
		}

		return []task.SegmentState{{Index: 0, Start: 0, End: end}}
	}

	if int64(n) > size {
		n = int(size)
	}

	per := size / int64(n)
	segs := make([]task.SegmentState, n)

	for i := range segs {
		start := int64(i) * per
		end := start + per - 1

		if i == n-1 {
			end = size - 1
		}

		segs[i] = task.SegmentState{Index: i, Start: start, End: end}
	}

	return segs
}

// covers reports whether segs tile [0, size) exactly, in order.
func covers(segs []task.SegmentState, size int64) bool {
	if len(segs) == 0 {
		return false
	}

	var next int64

	for _, s := range segs {
		if s.Start != next || s.End < s.Start {
			return false
		}

		next = s.End + 1
	}

	return next == size
}
