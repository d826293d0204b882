package fetcher

import (
	"sync/atomic"

	"github.com/NamanBalaji/sharebridge/internal/task"
)

// segment is the live form of a task.SegmentState while workers run.
type segment struct {
	index   int
	start   int64
	end     atomic.Int64
	written atomic.Int64
	eof     atomic.Bool
}

func newSegment(s task.SegmentState) *segment {
	seg := &segment{index: s.Index, start: s.Start}
	seg.end.Store(s.End)
	seg.written.Store(s.Written)

	return seg
}

func (s *segment) state() task.SegmentState {
	return task.SegmentState{
		Index:   s.index,
		Start:   s.start,
		End:     s.end.Load(),
		Written: s.written.Load(),
	}
}

func (s *segment) offset() int64 {
	return s.start + s.written.Load()
}

// remaining returns bytes left, or -1 for an open-ended segment.
func (s *segment) remaining() int64 {
	end := s.end.Load()
	if end < 0 {
		return -1
	}

	return end - s.start + 1 - s.written.Load()
}

func (s *segment) done() bool {
	return s.eof.Load() || s.state().Done()
}

// finish fixes the end of an open-ended segment once the body is exhausted.
func (s *segment) finish() {
	if s.end.Load() < 0 && s.written.Load() > 0 {
		s.end.Store(s.start + s.written.Load() - 1)
	}

	s.eof.Store(true)
}
